// Package rewrite adjusts absolute paths in backend responses so that
// applications written for the site root work under a mount prefix.
package rewrite

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/option"
	E "github.com/sagernet/sing/common/exceptions"
)

type Rewriter struct {
	rules        *RuleSet
	contentTypes map[string]bool
	maxSize      int64
}

func New(mountPrefix string, options option.RewriteOptions) (*Rewriter, error) {
	rules, err := NewRuleSet(mountPrefix, options.Paths, options.Rules)
	if err != nil {
		return nil, err
	}
	contentTypes := options.ContentTypes
	if len(contentTypes) == 0 {
		contentTypes = C.DefaultRewriteContentTypes
	}
	rewriter := &Rewriter{
		rules:        rules,
		contentTypes: make(map[string]bool, len(contentTypes)),
		maxSize:      options.MaxSize,
	}
	for _, contentType := range contentTypes {
		rewriter.contentTypes[strings.ToLower(contentType)] = true
	}
	if rewriter.maxSize <= 0 {
		rewriter.maxSize = C.DefaultRewriteMaxSize
	}
	return rewriter, nil
}

// Applicable reports whether resp carries a body the rewriter should look at.
func (r *Rewriter) Applicable(resp *http.Response) bool {
	if r.rules.IsEmpty() || resp.Body == nil || resp.Body == http.NoBody {
		return false
	}
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified, http.StatusPartialContent:
		return false
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return r.contentTypes[mediaType]
}

// Rewrite replaces the body of resp with its rewritten form and fixes the
// framing headers. Responses that cannot be rewritten are left byte-exact
// and an error matched by IsPassthrough is returned. Any other error means
// the backend body could not be read.
func (r *Rewriter) Rewrite(resp *http.Response) error {
	if !r.Applicable(resp) {
		return nil
	}
	encoding := normalizeEncoding(resp.Header.Get("Content-Encoding"))
	var coder codec
	if encoding != EncodingIdentity {
		var loaded bool
		coder, loaded = lookupCodec(encoding)
		if !loaded {
			return &passthroughError{E.New("unsupported content encoding: ", encoding)}
		}
	}
	body := resp.Body
	raw, err := io.ReadAll(io.LimitReader(body, r.maxSize+1))
	if err != nil {
		body.Close()
		return E.Cause(err, "read response body")
	}
	if int64(len(raw)) > r.maxSize {
		resp.Body = &prefixedBody{
			Reader: io.MultiReader(bytes.NewReader(raw), body),
			Closer: body,
		}
		return &passthroughError{C.ErrRewriteOverflow}
	}
	body.Close()
	content := raw
	if coder != nil {
		content, err = decode(coder, raw, r.maxSize)
		if err != nil {
			setBody(resp, raw)
			return &passthroughError{E.Cause(err, "decode ", encoding, " body")}
		}
	}
	rewritten, count := r.rules.Apply(content)
	if count == 0 {
		setBody(resp, raw)
		return nil
	}
	if coder != nil {
		rewritten, err = encode(coder, rewritten)
		if err != nil {
			setBody(resp, raw)
			return &passthroughError{E.Cause(err, "encode ", encoding, " body")}
		}
	}
	setBody(resp, rewritten)
	resp.Header.Del("ETag")
	resp.Header.Del("Content-MD5")
	resp.Header.Del("Accept-Ranges")
	return nil
}

func decode(coder codec, raw []byte, maxSize int64) ([]byte, error) {
	reader, err := coder.decode(raw)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	content, err := io.ReadAll(io.LimitReader(reader, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > maxSize {
		return nil, C.ErrRewriteOverflow
	}
	return content, nil
}

func encode(coder codec, content []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := coder.encode(&buffer)
	if err != nil {
		return nil, err
	}
	_, err = writer.Write(content)
	if err != nil {
		writer.Close()
		return nil, err
	}
	err = writer.Close()
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func setBody(resp *http.Response, content []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(content))
	resp.ContentLength = int64(len(content))
	resp.TransferEncoding = nil
	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(content)))
}

type prefixedBody struct {
	io.Reader
	io.Closer
}

type passthroughError struct {
	cause error
}

func (e *passthroughError) Error() string {
	return "rewrite skipped: " + e.cause.Error()
}

func (e *passthroughError) Unwrap() error {
	return e.cause
}

// IsPassthrough reports whether err left the response unmodified and
// still deliverable.
func IsPassthrough(err error) bool {
	var passthrough *passthroughError
	return errors.As(err, &passthrough)
}
