package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/testflowhq/testflow/pkg/errkit"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("workflow_not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleManagerError maps catalog errors onto HTTP status codes. Validation
// class failures are the caller's fault; conflicts get 409; everything
// unrecognized stays a 500.
func handleManagerError(c fiber.Ctx, err error) error {
	switch {
	case errkit.HasKey(err, errkit.KeyWorkflowNotFound):
		return notFound(c, err.Error())

	case errkit.HasKey(err, errkit.KeyActiveWorkflowExists):
		return conflict(c, errkit.KeyActiveWorkflowExists, err.Error())

	case errkit.HasKey(err, errkit.KeyWorkflowInactive):
		return conflict(c, errkit.KeyWorkflowInactive, err.Error())
	}

	if code := errkit.CodeOf(err); code >= errkit.ClassValidation && code < errkit.ClassStage {
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType(errkit.KeyOf(err)).
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)
	}

	if code := errkit.CodeOf(err); code >= errkit.ClassArtifact && code < errkit.ClassSystem {
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType(errkit.KeyOf(err)).
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)
	}

	return internalError(c, err)
}
