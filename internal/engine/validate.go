package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"gateguard/internal/model"
)

var checkinValidator = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters long", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	}
	return fmt.Sprintf("failed %s", fe.Tag())
}

// normalizeRequest trims and validates an inbound check-in. A missing
// timestamp becomes now; timestamps further than maxSkew in the future are
// rejected.
func normalizeRequest(req *model.CheckinRequest, now time.Time, maxSkew time.Duration) error {
	req.ID = strings.TrimSpace(req.ID)
	req.WristbandID = strings.TrimSpace(req.WristbandID)
	req.EventID = strings.TrimSpace(req.EventID)
	req.Gate = strings.TrimSpace(req.Gate)
	req.Category = strings.TrimSpace(req.Category)
	req.Outcome = model.Outcome(strings.ToLower(strings.TrimSpace(string(req.Outcome))))
	if req.Outcome == "" {
		req.Outcome = model.OutcomeSuccess
	}
	if err := checkinValidator.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return model.NewValidationError(verrs[0].Field(), fieldMessage(verrs[0]))
		}
		return model.NewValidationError("", err.Error())
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = now
	}
	req.Timestamp = req.Timestamp.UTC()
	if maxSkew > 0 && req.Timestamp.Sub(now) > maxSkew {
		return model.NewValidationError("timestamp", "is too far in the future")
	}
	return nil
}
