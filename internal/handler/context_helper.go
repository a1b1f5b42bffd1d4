package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/bbss-go/bbss/internal/middleware"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/response"
)

var validate = validator.New()

func actorFromContext(c *gin.Context) string {
	if claims := middleware.Claims(c); claims != nil {
		return claims.Username
	}
	return ""
}

// bindQuery binds query parameters and runs struct validation. On failure the
// error response is already written.
func bindQuery(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindQuery(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return false
	}
	return validateRequest(c, dest)
}

func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return false
	}
	return validateRequest(c, dest)
}

func validateRequest(c *gin.Context, dest interface{}) bool {
	if err := validate.Struct(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, err.Error()))
		return false
	}
	return true
}
