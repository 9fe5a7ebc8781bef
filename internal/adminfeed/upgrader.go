package adminfeed

import (
	"net/http"
	"os"

	"github.com/gorilla/websocket"
)

// Upgrader relaxes origin checking outside production, gated on the
// ENVIRONMENT variable.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		if os.Getenv("ENVIRONMENT") != "production" {
			return true
		}
		return r.Header.Get("Origin") == "https://"+r.Host
	},
}
