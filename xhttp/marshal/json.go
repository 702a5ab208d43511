package marshal

import (
	"io"
	"net/http"

	"github.com/openanolis/tng/xhttp/httperror"
	"github.com/ugorji/go/codec"
)

// PrettyPrintSetting controls whether Encode indents its JSON output.
type PrettyPrintSetting bool

const (
	// DontPrettyPrint emits compact JSON.
	DontPrettyPrint PrettyPrintSetting = false
	// PrettyPrint emits indented, multi-line JSON.
	PrettyPrint PrettyPrintSetting = true
)

// shouldPrettyPrint reports whether the request asked for pretty-printed
// JSON via a "pp" query parameter (?pp, ?pp=1, ?pp=true all count).
func shouldPrettyPrint(r *http.Request) PrettyPrintSetting {
	if r == nil {
		return DontPrettyPrint
	}
	q := r.URL.Query()
	if _, ok := q["pp"]; !ok {
		return DontPrettyPrint
	}
	v := q.Get("pp")
	if v == "" || v == "1" || v == "true" {
		return PrettyPrint
	}
	return DontPrettyPrint
}

func encoderHandle(pp PrettyPrintSetting) *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	if pp {
		h.Indent = 1
	}
	return h
}

func decoderHandle() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.ErrorIfNoField = true
	return h
}

// NewEncoder returns a codec.Encoder configured per r's pretty-print request.
func NewEncoder(w io.Writer, r *http.Request) *codec.Encoder {
	return codec.NewEncoder(w, encoderHandle(shouldPrettyPrint(r)))
}

// EncodeBytes encodes v to JSON bytes honoring pp.
func EncodeBytes(pp PrettyPrintSetting, v any) ([]byte, error) {
	var out []byte
	err := codec.NewEncoderBytes(&out, encoderHandle(pp)).Encode(v)
	return out, err
}

// Decode reads a single JSON value from r into v.
func Decode(r io.Reader, v any) error {
	return codec.NewDecoder(r, decoderHandle()).Decode(v)
}

// DecodeBytes decodes JSON bytes into v.
func DecodeBytes(data []byte, v any) error {
	return codec.NewDecoderBytes(data, decoderHandle()).Decode(v)
}

// DecodeBody decodes the JSON request body into v, writing an InvalidJSON
// httperror response and returning the decode error on failure.
func DecodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := Decode(r.Body, v); err != nil {
		e := httperror.InvalidJSON("failed to decode '%T': %s", v, err.Error())
		WriteJSON(w, r, e)
		return err
	}
	return nil
}
