package common

import "github.com/gin-gonic/gin"

// OK writes the standard success envelope.
func OK(c *gin.Context, httpStatus int, data any) {
	c.JSON(httpStatus, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

// Fail writes the standard error envelope. code is an app-level error code,
// distinct from the HTTP status.
func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
