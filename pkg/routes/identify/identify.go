package identify

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/identity"
)

var validate = validator.New()

// Register registers identify routes
func Register(g *echo.Group) {
	g.POST("", Identify)
}

// IdentifyRequest is the request body for an identify call
type IdentifyRequest struct {
	Email       string `json:"email" validate:"omitempty,email"`
	PhoneNumber string `json:"phone_number" validate:"omitempty,min=1"`
}

// Identify resolves the submitted identifiers to a consolidated identity
func Identify(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	var req IdentifyRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid email or phone_number")
	}

	ctx, resolver, err := ectoinject.GetContext[*identity.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	consolidated, err := resolver.Resolve(ctx, tenantID, req.Email, req.PhoneNumber)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, consolidated)
}
