package flightplan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire layout, little-endian, XOR-obfuscated as a whole:
//
//	int32   point count
//	count × { float32 lat; float32 lon; float32 alt }
//	int64   image size
//	        image bytes
const (
	countSize     = 4
	pointSize     = 12
	imageSizeSize = 8

	// MinMessageSize is the encoding of an empty plan
	MinMessageSize = countSize + imageSizeSize
)

// DefaultKey is the obfuscation key shared by both ends of the link
const DefaultKey = "uav"

const (
	DefaultMaxPoints    = 65534 // MAVLink mission count is uint16 and slot 0 is home
	DefaultMaxImageSize = 16 << 20
)

var (
	ErrTruncatedHeader      = errors.New("truncated header")
	ErrTruncatedCoordinates = errors.New("truncated coordinates")
	ErrTruncatedImageHeader = errors.New("truncated image header")
	ErrTruncatedImage       = errors.New("truncated image")
	ErrInvalidPointCount    = errors.New("invalid point count")
	ErrInvalidImageSize     = errors.New("invalid image size")
	ErrTrailingData         = errors.New("trailing data after image")
	ErrMessageTooLarge      = errors.New("message exceeds configured limits")
	ErrEmptyKey             = errors.New("obfuscation key cannot be empty")
)

// Codec encodes and decodes flight plans with a given key and size limits
type Codec struct {
	key          []byte
	MaxPoints    int
	MaxImageSize int64
}

// NewCodec returns a codec using key with the default limits
func NewCodec(key string) (*Codec, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	return &Codec{
		key:          []byte(key),
		MaxPoints:    DefaultMaxPoints,
		MaxImageSize: DefaultMaxImageSize,
	}, nil
}

var defaultCodec = &Codec{
	key:          []byte(DefaultKey),
	MaxPoints:    DefaultMaxPoints,
	MaxImageSize: DefaultMaxImageSize,
}

// Encode encodes plan with the default key
func Encode(plan *FlightPlan) []byte { return defaultCodec.Encode(plan) }

// Decode decodes buf with the default key
func Decode(buf []byte) (*FlightPlan, error) { return defaultCodec.Decode(buf) }

// SerializedSize is the length Encode will produce for plan
func SerializedSize(plan *FlightPlan) int {
	return countSize + pointSize*plan.PointCount() + imageSizeSize + plan.ImageSize()
}

// Obfuscate XORs buf in place with key, cycling the key by byte position.
// Applying it twice restores the input. This is not encryption.
func Obfuscate(key, buf []byte) {
	obfuscateAt(key, buf, 0)
}

// obfuscateAt treats buf as starting at absolute message offset off
func obfuscateAt(key, buf []byte, off int) {
	if len(key) == 0 {
		return
	}
	k := off % len(key)
	for i := range buf {
		buf[i] ^= key[k]
		k++
		if k == len(key) {
			k = 0
		}
	}
}

// Encode serializes plan and obfuscates the result
func (c *Codec) Encode(plan *FlightPlan) []byte {
	buf := make([]byte, SerializedSize(plan))

	binary.LittleEndian.PutUint32(buf[0:], uint32(int32(plan.PointCount())))
	offset := countSize
	for _, p := range plan.coords {
		binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(p.Lat))
		binary.LittleEndian.PutUint32(buf[offset+4:], math.Float32bits(p.Lon))
		binary.LittleEndian.PutUint32(buf[offset+8:], math.Float32bits(p.Alt))
		offset += pointSize
	}
	binary.LittleEndian.PutUint64(buf[offset:], uint64(int64(plan.ImageSize())))
	offset += imageSizeSize
	copy(buf[offset:], plan.image)

	Obfuscate(c.key, buf)
	return buf
}

// Decode parses an obfuscated message. buf is left untouched.
func (c *Codec) Decode(buf []byte) (*FlightPlan, error) {
	if len(buf) < MinMessageSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrTruncatedHeader, len(buf), MinMessageSize)
	}

	data := make([]byte, len(buf))
	copy(data, buf)
	Obfuscate(c.key, data)

	count := int64(int32(binary.LittleEndian.Uint32(data[0:])))
	if count < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPointCount, count)
	}
	if c.MaxPoints > 0 && count > int64(c.MaxPoints) {
		return nil, fmt.Errorf("%w: %d points (max %d)", ErrMessageTooLarge, count, c.MaxPoints)
	}
	offset := int64(countSize)

	if int64(len(data))-offset < count*pointSize {
		return nil, fmt.Errorf("%w: %d points need %d bytes, %d remain",
			ErrTruncatedCoordinates, count, count*pointSize, int64(len(data))-offset)
	}
	coords := make([]Coordinate, count)
	for i := range coords {
		coords[i] = Coordinate{
			Lat: math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])),
			Lon: math.Float32frombits(binary.LittleEndian.Uint32(data[offset+4:])),
			Alt: math.Float32frombits(binary.LittleEndian.Uint32(data[offset+8:])),
		}
		offset += pointSize
	}

	if int64(len(data))-offset < imageSizeSize {
		return nil, fmt.Errorf("%w: %d bytes remain", ErrTruncatedImageHeader, int64(len(data))-offset)
	}
	imageSize := int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += imageSizeSize
	if imageSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidImageSize, imageSize)
	}
	if c.MaxImageSize > 0 && imageSize > c.MaxImageSize {
		return nil, fmt.Errorf("%w: image of %d bytes (max %d)", ErrMessageTooLarge, imageSize, c.MaxImageSize)
	}

	remaining := int64(len(data)) - offset
	if remaining < imageSize {
		return nil, fmt.Errorf("%w: declared %d bytes, %d remain", ErrTruncatedImage, imageSize, remaining)
	}
	if remaining > imageSize {
		return nil, fmt.Errorf("%w: %d extra bytes", ErrTrailingData, remaining-imageSize)
	}

	plan := &FlightPlan{}
	if count > 0 {
		plan.coords = coords
	}
	if imageSize > 0 {
		plan.image = data[offset : offset+imageSize]
	}
	return plan, nil
}
