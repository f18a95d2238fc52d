package messaging

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"gigchat/models"
)

const (
	// MaxContentLength is the longest message body, in characters.
	MaxContentLength = 10000
	// MaxAttachments is the most attachment references one message may carry.
	MaxAttachments = 10
)

// Tags reported by the send request's cross-field rules.
const (
	tagFileAttachments = "file_attachments"
	tagTextContent     = "text_content"
	tagContent         = "content_or_attachments"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their wire names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	v.RegisterStructValidation(sendRequestRules, models.SendRequest{})
	return v
}

func sendRequestRules(sl validator.StructLevel) {
	req := sl.Current().Interface().(models.SendRequest)
	blank := strings.TrimSpace(req.Content) == ""

	switch {
	case req.Type == models.MessageTypeFile && len(req.Attachments) == 0:
		sl.ReportError(req.Attachments, "attachments", "Attachments", tagFileAttachments, "")
	case req.Type == models.MessageTypeText && blank:
		sl.ReportError(req.Content, "content", "Content", tagTextContent, "")
	case blank && len(req.Attachments) == 0:
		sl.ReportError(req.Content, "content", "Content", tagContent, "")
	}
}

// Validate checks a send request and normalizes it in place: an empty
// message type becomes text and attachment references are trimmed into a
// fresh slice.
func Validate(req *models.SendRequest) error {
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}

	attachments := make([]string, len(req.Attachments))
	for i, a := range req.Attachments {
		attachments[i] = strings.TrimSpace(a)
	}
	req.Attachments = attachments

	if err := validate.Struct(req); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError reports the first failed rule as a ValidationError.
func validationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return err
	}
	fe := errs[0]

	// dive errors name the element, e.g. attachments[3]
	field, _, element := strings.Cut(fe.Field(), "[")
	return &ValidationError{Field: field, Reason: reason(fe, element)}
}

func reason(fe validator.FieldError, element bool) string {
	switch fe.Tag() {
	case "notblank", "required":
		if element {
			return "contains an empty reference"
		}
		return "is required"
	case "nefield":
		return "cannot be the sender"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		if fe.Kind() == reflect.Slice {
			return "has too many entries"
		}
		return "is too long"
	case tagFileAttachments:
		return "are required for file messages"
	case tagTextContent:
		return "is required for text messages"
	case tagContent:
		return "is required when there are no attachments"
	}
	return "is invalid"
}
