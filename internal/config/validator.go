package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// ValidateConfig validates the entire configuration and returns all validation errors
func (c *Config) ValidateConfig() error {
	var validationErrors ValidationErrors

	if c.General == nil {
		validationErrors = append(validationErrors, ValidationError{
			FieldPath: "general",
			Message:   "configuration must contain 'general' section",
		})
	} else if err := validate.Struct(c.General); err != nil {
		validationErrors = append(validationErrors, convertValidatorErrors(err, "general", "")...)
	}

	if c.Tunnel == nil {
		validationErrors = append(validationErrors, ValidationError{
			FieldPath: "tunnel",
			Message:   "configuration must contain 'tunnel' section",
		})
	} else if err := validate.Struct(c.Tunnel); err != nil {
		validationErrors = append(validationErrors, convertValidatorErrors(err, "tunnel", "")...)
	}

	if c.Upstream == nil {
		validationErrors = append(validationErrors, ValidationError{
			FieldPath: "upstream",
			Message:   "configuration must contain 'upstream' section",
		})
	} else {
		validationErrors = append(validationErrors, c.validateUpstream()...)
	}

	if c.Redirect != nil {
		validationErrors = append(validationErrors, c.validateRedirect()...)
	}

	validationErrors = append(validationErrors, c.validateLists()...)

	if len(validationErrors) > 0 {
		return validationErrors
	}

	return nil
}

func (c *Config) validateUpstream() ValidationErrors {
	var validationErrors ValidationErrors

	if err := validate.Struct(c.Upstream); err != nil {
		validationErrors = append(validationErrors, convertValidatorErrors(err, "upstream", "")...)
	}

	// Fake addresses are derived from the trailing byte of a /24 block,
	// with offsets 0 and 1 reserved.
	if len(c.Upstream.Servers) > 253 {
		validationErrors = append(validationErrors, ValidationError{
			FieldPath: "upstream.servers",
			Message:   fmt.Sprintf("too many resolvers: %d (at most 253 fit the fake address block)", len(c.Upstream.Servers)),
		})
	}

	seen := make(map[string]bool)
	for _, server := range c.Upstream.Servers {
		if seen[server] {
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: "upstream.servers",
				Message:   fmt.Sprintf("duplicate resolver: %s", server),
			})
		}
		seen[server] = true
	}

	if c.General == nil || !c.General.EnableIPv6 {
		for _, server := range c.Upstream.Servers {
			if ip := net.ParseIP(server); ip != nil && ip.To4() == nil {
				validationErrors = append(validationErrors, ValidationError{
					FieldPath: "upstream.servers",
					Message:   fmt.Sprintf("IPv6 resolver %s requires general.enable_ipv6", server),
				})
			}
		}
	}

	return validationErrors
}

func (c *Config) validateRedirect() ValidationErrors {
	var validationErrors ValidationErrors

	if err := validate.Struct(c.Redirect); err != nil {
		validationErrors = append(validationErrors, convertValidatorErrors(err, "redirect", "")...)
	}

	for j, rule := range c.Redirect.Rules {
		if rule.Chain == "" {
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: fmt.Sprintf("redirect.rule.%d.chain", j),
				Message:   "chain cannot be empty",
			})
		}
		if rule.Table == "" {
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: fmt.Sprintf("redirect.rule.%d.table", j),
				Message:   "table cannot be empty",
			})
		}
		if len(rule.Rule) == 0 {
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: fmt.Sprintf("redirect.rule.%d.rule", j),
				Message:   "rule cannot be empty",
			})
		}
	}

	return validationErrors
}

func (c *Config) validateLists() ValidationErrors {
	var validationErrors ValidationErrors
	seenNames := make(map[string]bool)

	for i, list := range c.Lists {
		itemName := list.ListName
		if itemName == "" {
			itemName = fmt.Sprintf("list[%d]", i)
		}

		if err := validate.Struct(list); err != nil {
			validationErrors = append(validationErrors, convertValidatorErrors(err, fmt.Sprintf("list.%d", i), itemName)...)
		}

		if seenNames[list.ListName] {
			validationErrors = append(validationErrors, ValidationError{
				ItemName:  itemName,
				FieldPath: "list_name",
				Message:   fmt.Sprintf("duplicate list name: %s", list.ListName),
			})
		}
		seenNames[list.ListName] = true

		isFile := list.File != ""
		isHosts := len(list.Hosts) > 0

		if !isFile && !isHosts {
			validationErrors = append(validationErrors, ValidationError{
				ItemName:  itemName,
				FieldPath: "source",
				Message:   "must specify one of: file or hosts",
			})
		}

		if isFile && isHosts {
			validationErrors = append(validationErrors, ValidationError{
				ItemName:  itemName,
				FieldPath: "source",
				Message:   "can only specify one of: file or hosts",
			})
		}

		if isFile {
			list.File = c.absolutePath(list.File)
			if _, err := os.Stat(list.File); errors.Is(err, os.ErrNotExist) {
				validationErrors = append(validationErrors, ValidationError{
					ItemName:  itemName,
					FieldPath: "file",
					Message:   fmt.Sprintf("file does not exist: %s", list.File),
				})
			}
		}
	}

	return validationErrors
}

// absolutePath resolves paths relative to the config file directory.
func (c *Config) absolutePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(c._absConfigFilePath), path)
}

// convertValidatorErrors converts go-playground/validator errors to our ValidationError format
func convertValidatorErrors(err error, fieldPrefix string, itemName string) ValidationErrors {
	var validationErrors ValidationErrors

	var validatorErrs validator.ValidationErrors
	if errors.As(err, &validatorErrs) {
		for _, e := range validatorErrs {
			fieldPath := fieldPrefix
			if e.Field() != "" {
				// e.Field() returns the TOML tag name because we registered TagNameFunc
				fieldName := e.Field()

				if fieldPrefix != "" {
					fieldPath = fieldPrefix + "." + fieldName
				} else {
					fieldPath = fieldName
				}
			}

			message := getValidationMessage(e)

			validationErrors = append(validationErrors, ValidationError{
				ItemName:  itemName,
				FieldPath: fieldPath,
				Message:   message,
			})
		}
	}

	return validationErrors
}
