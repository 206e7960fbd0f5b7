package failure

import (
	"github.com/gin-gonic/gin"
)

// Respond writes err as the API's {"error", "message"} body. The message is
// always user-safe; unclassified errors collapse to GenericMessage.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	c.JSON(HTTPStatus(kind), gin.H{
		"error":   string(kind),
		"message": UserMessage(err, ""),
	})
}

// Abort is Respond for middleware: it stops the handler chain.
func Abort(c *gin.Context, err error) {
	kind := KindOf(err)
	c.AbortWithStatusJSON(HTTPStatus(kind), gin.H{
		"error":   string(kind),
		"message": UserMessage(err, ""),
	})
}
