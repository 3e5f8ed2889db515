package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"

	"outreach/internal/phone"
)

// requestValidator checks decoded request bodies and reports failures with
// JSON field names.
type requestValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func newValidator() *requestValidator {
	validate := validator.New()

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		tag := field.Tag.Get("json")
		name := strings.SplitN(tag, ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	english := en.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")

	if err := enTranslations.RegisterDefaultTranslations(validate, trans); err != nil {
		panic("failed to register validator default translations: " + err.Error())
	}

	if err := validate.RegisterValidation("intl_phone", func(fl validator.FieldLevel) bool {
		return phone.Valid(phone.Normalize(fl.Field().String()))
	}); err != nil {
		panic("failed to register intl_phone: " + err.Error())
	}
	err := validate.RegisterTranslation("intl_phone", trans,
		func(t ut.Translator) error {
			return t.Add("intl_phone", "{0} must be an international number like +12025550100", true)
		},
		func(t ut.Translator, fe validator.FieldError) string {
			msg, _ := t.T("intl_phone", fe.Field())
			return msg
		})
	if err != nil {
		panic("failed to register intl_phone translation: " + err.Error())
	}

	return &requestValidator{validate: validate, translator: trans}
}

// fieldErrors maps each failing field to a readable message.
type fieldErrors map[string]string

func (e fieldErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for field, msg := range e {
		msgs = append(msgs, field+": "+msg)
	}
	return strings.Join(msgs, "; ")
}

func (rv *requestValidator) check(v any) error {
	err := rv.validate.Struct(v)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(fieldErrors, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Translate(rv.translator)
	}
	return out
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and returns false when the request must stop. An empty
// body is accepted when optional is set.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case errors.Is(err, io.EOF) && optional:
	case err != nil:
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return false
	}

	if err := a.validator.check(dst); err != nil {
		var fe fieldErrors
		if errors.As(err, &fe) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":   "validation failed",
				"details": fe,
			})
			return false
		}
		writeErr(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
