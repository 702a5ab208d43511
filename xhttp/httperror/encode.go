package httperror

import (
	"net/http"

	"github.com/ugorji/go/codec"
)

// prettyPrintSetting controls whether WriteHTTPResponse indents its JSON
// output; set via a "pp" query parameter on the originating request.
type prettyPrintSetting bool

const (
	dontPrettyPrint prettyPrintSetting = false
	prettyPrint     prettyPrintSetting = true
)

func shouldPrettyPrint(r *http.Request) prettyPrintSetting {
	if r == nil {
		return dontPrettyPrint
	}
	q := r.URL.Query()
	if _, ok := q["pp"]; !ok {
		return dontPrettyPrint
	}
	switch q.Get("pp") {
	case "", "1", "true":
		return prettyPrint
	default:
		return dontPrettyPrint
	}
}

func encoderHandle(pp prettyPrintSetting) *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	if pp {
		h.Indent = 1
	}
	return h
}
