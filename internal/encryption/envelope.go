package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Envelope layout: one version byte, one AES block of IV, then AES-256-CBC
// ciphertext with PKCS#7 padding.
const (
	EnvelopeVersion = 1
	HeaderSize      = 1 + aes.BlockSize
)

const readChunk = 32 * 1024

var ErrWriterClosed = errors.New("encryption: writer closed")

// Writer encrypts everything written to it into an envelope on dst. Close
// writes the final padded block; it does not close dst.
type Writer struct {
	dst     io.Writer
	mode    cipher.BlockMode
	partial []byte
	closed  bool
}

func NewWriter(dst io.Writer, key []byte) (*Writer, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	header := make([]byte, HeaderSize)
	header[0] = EnvelopeVersion
	if _, err := rand.Read(header[1:]); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	if _, err := dst.Write(header); err != nil {
		return nil, err
	}
	return &Writer{
		dst:  dst,
		mode: cipher.NewCBCEncrypter(block, header[1:]),
	}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	w.partial = append(w.partial, p...)
	full := len(w.partial) / aes.BlockSize * aes.BlockSize
	if full == 0 {
		return len(p), nil
	}
	out := make([]byte, full)
	w.mode.CryptBlocks(out, w.partial[:full])
	w.partial = append(w.partial[:0], w.partial[full:]...)
	if _, err := w.dst.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	pad := aes.BlockSize - len(w.partial)
	last := append(w.partial, bytes.Repeat([]byte{byte(pad)}, pad)...)
	w.mode.CryptBlocks(last, last)
	_, err := w.dst.Write(last)
	return err
}

// Reader decrypts an envelope. The last block is held back until the source
// is exhausted so padding can be removed.
type Reader struct {
	src   io.Reader
	mode  cipher.BlockMode
	cbuf  []byte
	plain []byte
	eof   bool
	err   error
}

func NewReader(src io.Reader, key []byte) (*Reader, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, fmt.Errorf("%w: short envelope header: %v", model.ErrStorage, err)
	}
	if header[0] != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unknown envelope version %d", model.ErrStorage, header[0])
	}
	return &Reader{
		src:  src,
		mode: cipher.NewCBCDecrypter(block, header[1:]),
	}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.eof {
			return 0, io.EOF
		}
		r.fill()
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *Reader) fill() {
	buf := make([]byte, readChunk)
	n, err := r.src.Read(buf)
	r.cbuf = append(r.cbuf, buf[:n]...)

	if err == io.EOF {
		r.eof = true
		r.finish()
		return
	}
	if err != nil {
		r.err = err
		return
	}

	full := len(r.cbuf) / aes.BlockSize * aes.BlockSize
	if full == len(r.cbuf) {
		full -= aes.BlockSize
	}
	if full <= 0 {
		return
	}
	out := make([]byte, full)
	r.mode.CryptBlocks(out, r.cbuf[:full])
	r.cbuf = append(r.cbuf[:0], r.cbuf[full:]...)
	r.plain = out
}

func (r *Reader) finish() {
	if len(r.cbuf) == 0 || len(r.cbuf)%aes.BlockSize != 0 {
		r.err = fmt.Errorf("%w: truncated ciphertext", model.ErrStorage)
		return
	}
	out := make([]byte, len(r.cbuf))
	r.mode.CryptBlocks(out, r.cbuf)
	r.cbuf = nil

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize {
		r.err = fmt.Errorf("%w: bad padding", model.ErrEncryptionKey)
		return
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			r.err = fmt.Errorf("%w: bad padding", model.ErrEncryptionKey)
			return
		}
	}
	r.plain = out[:len(out)-pad]
}

// Seal encrypts plaintext into a complete envelope.
func Seal(key, plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Open decrypts a complete envelope.
func Open(key, envelope []byte) ([]byte, error) {
	r, err := NewReader(bytes.NewReader(envelope), key)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func newCipher(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", model.ErrEncryptionKey, KeySize, len(key))
	}
	return aes.NewCipher(key)
}
