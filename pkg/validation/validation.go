package validation

import (
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
)

const (
	MinWorkers = 1
	MaxWorkers = 20
)

func ValidateWorkerCount(workers int) error {
	if workers < MinWorkers || workers > MaxWorkers {
		return fmt.Errorf("worker count must be between %d and %d, got %d", MinWorkers, MaxWorkers, workers)
	}
	return nil
}

func ValidateTicketID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("ticket ID must be a positive integer, got %d", id)
	}
	return nil
}

// ParseTicketID parses and validates a ticket ID given on the command line.
func ParseTicketID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ticket ID %q", raw)
	}
	return id, ValidateTicketID(id)
}

func ValidateNonEmptyString(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	return nil
}

func ValidateEmail(email string) error {
	if err := ValidateNonEmptyString("email", email); err != nil {
		return err
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address: %s", email)
	}
	return nil
}

var httpMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// ValidateMethod checks an HTTP method name and returns it upper-cased.
func ValidateMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	if !httpMethods[m] {
		return "", fmt.Errorf("invalid HTTP method: %s (must be one of: GET, POST, PUT, PATCH, DELETE, HEAD)", method)
	}
	return m, nil
}
