package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	storedAtHeaderName = "Cache-Gateway-Stored-At"
	typeHeaderName     = "Cache-Gateway-Response-Type"
)

// ResponseType classifies a response the way a browser does: whether its
// content is trustworthy for the origin that requested it.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

type StoredResponse struct {
	Response *http.Response
	Type     ResponseType
	// The value of the clock at the time the response was written to the store.
	StoredAt time.Time
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response,
// with the metadata carried in extra header fields.
// The response body is left readable.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	if res == nil {
		return nil, fmt.Errorf("no response to serialize")
	}
	body, err := bufferBody(res)
	if err != nil {
		return nil, err
	}

	out := *res
	out.ProtoMajor, out.ProtoMinor, out.Proto = 1, 1, "HTTP/1.1"
	out.Header = res.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixNano(), 10))
	out.Header.Set(typeHeaderName, string(sRes.Type))
	out.TransferEncoding = nil
	out.ContentLength = int64(len(body))
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.Close = false

	buf := &bytes.Buffer{}
	if err := out.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse parses bytes written by StoredResponseToBytes.
// The request is attached to the response and decides e.g. whether a body is expected.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	sRes.Type = ResponseType(res.Header.Get(typeHeaderName))
	if storedAt := res.Header.Get(storedAtHeaderName); storedAt != "" {
		nanos, err := strconv.ParseInt(storedAt, 10, 64)
		if err != nil {
			return sRes, err
		}
		sRes.StoredAt = time.Unix(0, nanos)
	}
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(typeHeaderName)
	return sRes, nil
}

// Clone returns a copy of the response with its own body.
// The body of the original is read into memory and replaced by a re-readable
// copy, so both the original and the clone can be consumed once each.
func Clone(res *http.Response) (*http.Response, error) {
	body, err := bufferBody(res)
	if err != nil {
		return nil, err
	}
	clone := *res
	clone.Header = res.Header.Clone()
	clone.Trailer = res.Trailer.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return &clone, nil
}

// Buffer reads the whole response body into memory, so it no longer depends
// on the connection it came from.
func Buffer(res *http.Response) error {
	_, err := bufferBody(res)
	return err
}

// bufferBody reads the whole response body and sets it back as an in-memory reader.
func bufferBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
