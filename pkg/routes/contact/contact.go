package contact

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/internal/repositories/contact"
	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/identity"
)

// Register registers contact routes
func Register(g *echo.Group) {
	g.GET("/:id", GetContact)
	g.GET("/:id/identity", GetContactIdentity)
}

// GetContact gets a contact by ID
func GetContact(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*contact.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := repo.FindByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if result == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "contact not found")
	}

	return c.JSON(http.StatusOK, result)
}

// GetContactIdentity gets the consolidated identity for the cluster a contact
// belongs to
func GetContactIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	id := c.Param("id")

	ctx, resolver, err := ectoinject.GetContext[*identity.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	consolidated, err := resolver.GetIdentity(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if consolidated == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "contact not found")
	}

	return c.JSON(http.StatusOK, consolidated)
}
