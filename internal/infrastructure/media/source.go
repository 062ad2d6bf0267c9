package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"

	apperrors "podlive/pkg/errors"
)

const (
	opusClockRate = 48000
	opusFrame     = 20 * time.Millisecond

	// Opus packets below this size are DTX/comfort noise.
	quietPacketBytes = 10
	loudPacketBytes  = 160
)

// AudioSource yields Opus samples paced by their Duration.
type AudioSource interface {
	NextSample() (media.Sample, float64, error)
	Close() error
}

// VideoSource yields VP8 frames. It returns io.EOF when the capture ends.
type VideoSource interface {
	NextFrame() (media.Sample, error)
	Dimensions() (width, height int)
	Close() error
}

// OpusSilence is the three-byte Opus frame for 20ms of silence.
var OpusSilence = []byte{0xf8, 0xff, 0xfe}

type silenceSource struct{}

// NewSilenceSource returns an endless source of silent Opus frames.
func NewSilenceSource() AudioSource { return silenceSource{} }

func (silenceSource) NextSample() (media.Sample, float64, error) {
	return media.Sample{Data: OpusSilence, Duration: opusFrame}, 0, nil
}

func (silenceSource) Close() error { return nil }

// OggSource reads Opus pages from an Ogg file, optionally looping at EOF.
type OggSource struct {
	path          string
	loop          bool
	file          *os.File
	reader        *oggreader.OggReader
	lastGranule   uint64
	pagesInRotate int
}

// OpenOggSource opens path. Failure is reported as a permission error
// since the file stands in for a microphone device.
func OpenOggSource(path string, loop bool) (*OggSource, error) {
	s := &OggSource{path: path, loop: loop}
	if err := s.open(); err != nil {
		return nil, apperrors.NewPermissionDeniedError("microphone", err)
	}
	return s, nil
}

func (s *OggSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("parse ogg header: %w", err)
	}
	s.file = f
	s.reader = r
	s.lastGranule = 0
	s.pagesInRotate = 0
	return nil
}

func (s *OggSource) NextSample() (media.Sample, float64, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if !s.loop || s.pagesInRotate == 0 {
				return media.Sample{}, 0, io.EOF
			}
			s.file.Close()
			if err := s.open(); err != nil {
				return media.Sample{}, 0, err
			}
			continue
		}
		if err != nil {
			return media.Sample{}, 0, err
		}
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		// header pages carry no audio
		if samples == 0 || len(page) == 0 {
			continue
		}
		s.pagesInRotate++
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))
		return media.Sample{Data: page, Duration: duration}, PacketLevel(len(page)), nil
	}
}

func (s *OggSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// PacketLevel estimates loudness from an Opus packet size.
func PacketLevel(size int) float64 {
	if size <= quietPacketBytes {
		return 0
	}
	l := float64(size-quietPacketBytes) / float64(loudPacketBytes-quietPacketBytes)
	if l > 1 {
		return 1
	}
	return l
}

// IVFSource reads VP8 frames from an IVF file. It ends at EOF.
type IVFSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	width    int
	height   int
	interval time.Duration
}

// OpenIVFSource opens path as a screen capture stand-in.
func OpenIVFSource(path string) (*IVFSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewPermissionDeniedError("screen", err)
	}
	r, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, apperrors.NewPermissionDeniedError("screen", fmt.Errorf("parse ivf header: %w", err))
	}
	interval := time.Second / 30
	if header.TimebaseDenominator > 0 {
		interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	return &IVFSource{
		file:     f,
		reader:   r,
		width:    int(header.Width),
		height:   int(header.Height),
		interval: interval,
	}, nil
}

func (s *IVFSource) NextFrame() (media.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return media.Sample{}, io.EOF
	}
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.interval}, nil
}

func (s *IVFSource) Dimensions() (int, int) { return s.width, s.height }

func (s *IVFSource) Close() error { return s.file.Close() }

// IsVP8Keyframe reports whether a VP8 frame is a key frame (RFC 6386 9.1).
func IsVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}
