package api

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/operator"
	"github.com/cuemby/bos/pkg/types"
)

// validate is a package-level, concurrency-safe validator instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

// resourceNamePattern bounds names for templates, sessions, and boot sets.
var resourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,127}$`)

func init() {
	_ = validate.RegisterValidation("resourcename", func(fl validator.FieldLevel) bool {
		return resourceNamePattern.MatchString(fl.Field().String())
	})
}

// validName reports whether name is acceptable as a record name.
func validName(name string) bool {
	return resourceNamePattern.MatchString(name)
}

// ValidationReport is the result of checking a session template.
type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// validateTemplateRecord checks the structural rules for a template: a valid
// name, at least one boot set, every boot set keyed by its own name with at
// least one selector and a known architecture. Image existence is checked
// against IMS when the options demand it; otherwise a missing image is a
// warning.
func validateTemplateRecord(ctx context.Context, ims operator.ImageService, opts types.Options,
	template *types.SessionTemplate) ValidationReport {

	report := ValidationReport{Valid: true}
	fail := func(format string, args ...any) {
		report.Valid = false
		report.Errors = append(report.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		report.Warnings = append(report.Warnings, fmt.Sprintf(format, args...))
	}

	if !validName(template.Name) {
		fail("template name %q is invalid", template.Name)
	}
	if len(template.BootSets) == 0 {
		fail("template has no boot sets")
	}

	for key, bootSet := range template.BootSets {
		if bootSet.Name != "" && bootSet.Name != key {
			fail("boot set %q: name %q does not match its key", key, bootSet.Name)
		}
		if !bootSet.HasSelector() {
			fail("boot set %q: at least one of node_list, node_groups, node_roles_groups is required", key)
		}
		if bootSet.Arch != "" && !types.KnownArch(bootSet.Arch) {
			fail("boot set %q: unknown architecture %q", key, bootSet.Arch)
		}

		imageID := clients.ImageIDFromPath(bootSet.Path)
		if imageID == "" || ims == nil {
			continue
		}
		_, err := ims.GetImage(ctx, opts, imageID)
		switch {
		case errors.Is(err, clients.ErrImageNotFound) && opts.IMSImagesMustExist:
			fail("boot set %q: image %s does not exist", key, imageID)
		case errors.Is(err, clients.ErrImageNotFound):
			warn("boot set %q: image %s does not exist", key, imageID)
		case err != nil:
			warn("boot set %q: image %s could not be checked: %v", key, imageID, err)
		}
	}

	return report
}
