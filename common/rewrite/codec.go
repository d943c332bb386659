package rewrite

import (
	"bytes"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingDeflate  = "deflate"
	EncodingBrotli   = "br"
	EncodingZstd     = "zstd"
)

// SupportedEncodings lists the content codings the rewriter can decode and
// re-encode, in order of preference.
var SupportedEncodings = []string{EncodingGzip, EncodingDeflate, EncodingBrotli, EncodingZstd}

type codec interface {
	decode(content []byte) (io.ReadCloser, error)
	encode(writer io.Writer) (io.WriteCloser, error)
}

func lookupCodec(encoding string) (codec, bool) {
	switch encoding {
	case EncodingGzip, "x-gzip":
		return gzipCodec{}, true
	case EncodingDeflate:
		return deflateCodec{}, true
	case EncodingBrotli:
		return brotliCodec{}, true
	case EncodingZstd:
		return zstdCodec{}, true
	default:
		return nil, false
	}
}

func normalizeEncoding(header string) string {
	encoding := strings.ToLower(strings.TrimSpace(header))
	if encoding == "" {
		return EncodingIdentity
	}
	return encoding
}

type gzipCodec struct{}

func (gzipCodec) decode(content []byte) (io.ReadCloser, error) {
	return gzip.NewReader(bytes.NewReader(content))
}

func (gzipCodec) encode(writer io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(writer), nil
}

// deflateCodec reads zlib streams as specified for HTTP, and raw deflate
// streams as sent by some servers anyway. It always writes zlib.
type deflateCodec struct{}

func (deflateCodec) decode(content []byte) (io.ReadCloser, error) {
	reader, err := zlib.NewReader(bytes.NewReader(content))
	if err != nil {
		return flate.NewReader(bytes.NewReader(content)), nil
	}
	return reader, nil
}

func (deflateCodec) encode(writer io.Writer) (io.WriteCloser, error) {
	return zlib.NewWriter(writer), nil
}

type brotliCodec struct{}

func (brotliCodec) decode(content []byte) (io.ReadCloser, error) {
	return io.NopCloser(brotli.NewReader(bytes.NewReader(content))), nil
}

func (brotliCodec) encode(writer io.Writer) (io.WriteCloser, error) {
	return brotli.NewWriter(writer), nil
}

type zstdCodec struct{}

func (zstdCodec) decode(content []byte) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(content), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

func (zstdCodec) encode(writer io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(writer, zstd.WithEncoderConcurrency(1))
}
