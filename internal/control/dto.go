// Package control exposes the crawler's HTTP control surface: site
// registration, pause/delete/restart actions, status reads, and a
// WebSocket event stream (spec.md §"External Interfaces").
package control

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// ProcessRequest is the body of POST /process.
type ProcessRequest struct {
	URL      string `json:"url" validate:"required,url"`
	Filter   string `json:"filter"`
	SiteName string `json:"site_name" validate:"omitempty,alphanum_underscore"`
}

// ProcessMultipleRequest is the body of POST /process_multiple.
type ProcessMultipleRequest struct {
	URLs []ProcessRequest `json:"urls" validate:"required,min=1,dive"`
}

func init() {
	validate.RegisterValidation("alphanum_underscore", func(fl validator.FieldLevel) bool {
		return siteNamePattern.MatchString(fl.Field().String())
	})
}
