// Package schema is the validation boundary for every persisted or received
// document. Decoding is strict: unknown fields, trailing data, and tag
// violations (missing required fields, bad enums, out-of-range numbers) all
// surface as schema errors.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aos-labs/contextd/internal/model"
)

var v = validator.New(validator.WithRequiredStructEnabled())

// Decode parses JSON into target with unknown fields forbidden, then runs
// Check on the result.
func Decode(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return model.EWrap(model.KindSchema, err, "decode: %s", decodeMessage(err))
	}
	if err := ensureEOF(dec); err != nil {
		return err
	}
	return Check(target)
}

// DecodeShape parses JSON with unknown fields forbidden but defers tag
// validation to the caller. The working-set patch path needs this split: its
// conflict check runs between shape decoding and full validation.
func DecodeShape(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return model.EWrap(model.KindSchema, err, "decode: %s", decodeMessage(err))
	}
	return ensureEOF(dec)
}

// DecodeReader is Decode over a stream, for HTTP request bodies.
func DecodeReader(r io.Reader, target any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return model.EWrap(model.KindSchema, err, "decode: %s", decodeMessage(err))
	}
	if err := ensureEOF(dec); err != nil {
		return err
	}
	return Check(target)
}

// Check validates a constructed document against its struct tags.
func Check(doc any) error {
	err := v.Struct(doc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		e := model.E(model.KindSchema, "%s: fails %q", pointer(fe), fe.Tag())
		return e.WithDetail("pointer", pointer(fe))
	}
	return model.EWrap(model.KindSchema, err, "validate")
}

// pointer renders a field error's location as a lower-cased dotted path,
// dropping the root struct name.
func pointer(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

func ensureEOF(dec *json.Decoder) error {
	if dec.More() {
		return model.E(model.KindSchema, "decode: trailing data after document")
	}
	return nil
}

func decodeMessage(err error) string {
	msg := err.Error()
	// json's unknown-field error is already precise; strip the package prefix
	// from type errors for a stable message.
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) {
		return fmt.Sprintf("%s: expected %s", ute.Field, ute.Type)
	}
	return msg
}
