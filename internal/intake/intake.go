// Package intake decodes and validates raw job records before they reach the
// browser pipeline.
package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// ValidationError lists every rule a record broke.
type ValidationError struct {
	Issues []scrape.ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Message)
	}
	return "invalid job: " + strings.Join(parts, "; ")
}

// ErrEmptyBatch is returned when a batch holds no records.
var ErrEmptyBatch = errors.New("empty job batch")

// Validator checks job records. It is safe for concurrent use.
type Validator struct {
	v *validator.Validate
}

// NewValidator builds a Validator with the job rules registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("absurl", isAbsoluteHTTPURL); err != nil {
		panic(fmt.Sprintf("register absurl: %v", err))
	}
	return &Validator{v: v}
}

// Validate checks a decoded job.
func (val *Validator) Validate(job scrape.Job) error {
	err := val.v.Struct(job)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate job: %w", err)
	}
	issues := make([]scrape.ValidationIssue, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		issues = append(issues, scrape.ValidationIssue{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: describe(fe),
		})
	}
	return &ValidationError{Issues: issues}
}

// Decode parses and validates a single job record. A missing job_id is
// filled from newID.
func (val *Validator) Decode(data []byte, newID func() (string, error)) (scrape.Job, error) {
	var job scrape.Job
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&job); err != nil {
		return scrape.Job{}, &ValidationError{Issues: []scrape.ValidationIssue{{
			Field:   "body",
			Rule:    "json",
			Message: fmt.Sprintf("body is not a valid job object: %v", err),
		}}}
	}
	return val.finish(job, newID)
}

// DecodeBatch accepts either a single job object or an array of them.
func (val *Validator) DecodeBatch(data []byte, newID func() (string, error)) ([]scrape.Job, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		job, err := val.Decode(trimmed, newID)
		if err != nil {
			return nil, err
		}
		return []scrape.Job{job}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &ValidationError{Issues: []scrape.ValidationIssue{{
			Field:   "body",
			Rule:    "json",
			Message: fmt.Sprintf("body is not a valid job array: %v", err),
		}}}
	}
	if len(raw) == 0 {
		return nil, ErrEmptyBatch
	}
	jobs := make([]scrape.Job, 0, len(raw))
	for i, item := range raw {
		job, err := val.Decode(item, newID)
		if err != nil {
			var vErr *ValidationError
			if errors.As(err, &vErr) {
				for j := range vErr.Issues {
					vErr.Issues[j].Field = fmt.Sprintf("[%d].%s", i, vErr.Issues[j].Field)
				}
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (val *Validator) finish(job scrape.Job, newID func() (string, error)) (scrape.Job, error) {
	job.UserID = strings.TrimSpace(job.UserID)
	job.URL = strings.TrimSpace(job.URL)
	if err := val.Validate(job); err != nil {
		return scrape.Job{}, err
	}
	if job.ID == "" && newID != nil {
		id, err := newID()
		if err != nil {
			return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
		}
		job.ID = id
	}
	return job, nil
}

func isAbsoluteHTTPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "url", "absurl":
		return fe.Field() + " must be an absolute http(s) URL"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
