package flightplan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ReadMessage reads exactly one message from r using the sizes the message
// declares about itself, and returns it still obfuscated, ready for Decode.
//
// io.EOF is returned only when r ends before the first byte of a message;
// a message cut short yields io.ErrUnexpectedEOF.
func (c *Codec) ReadMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, countSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	plain := append([]byte(nil), header...)
	obfuscateAt(c.key, plain, 0)
	count := int64(int32(binary.LittleEndian.Uint32(plain)))
	if count < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPointCount, count)
	}
	if c.MaxPoints > 0 && count > int64(c.MaxPoints) {
		return nil, fmt.Errorf("%w: %d points (max %d)", ErrMessageTooLarge, count, c.MaxPoints)
	}

	body := make([]byte, count*pointSize+imageSizeSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, unexpected(err)
	}

	sizeOffset := countSize + int(count)*pointSize
	sizeField := append([]byte(nil), body[len(body)-imageSizeSize:]...)
	obfuscateAt(c.key, sizeField, sizeOffset)
	imageSize := int64(binary.LittleEndian.Uint64(sizeField))
	if imageSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidImageSize, imageSize)
	}
	if c.MaxImageSize > 0 && imageSize > c.MaxImageSize {
		return nil, fmt.Errorf("%w: image of %d bytes (max %d)", ErrMessageTooLarge, imageSize, c.MaxImageSize)
	}

	msg := make([]byte, 0, int64(len(header)+len(body))+imageSize)
	msg = append(msg, header...)
	msg = append(msg, body...)
	msg = msg[:cap(msg)]
	if _, err := io.ReadFull(r, msg[len(header)+len(body):]); err != nil {
		return nil, unexpected(err)
	}
	return msg, nil
}

// ReadMessage reads one message from r with the default key
func ReadMessage(r io.Reader) ([]byte, error) { return defaultCodec.ReadMessage(r) }

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
