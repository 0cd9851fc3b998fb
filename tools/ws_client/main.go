// ws_client subscribes to a mari-nexus daemon's event stream and prints the
// envelopes it receives. Handy for eyeballing join/leave traffic.
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"
	flag "github.com/spf13/pflag"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "server address")
	path := flag.String("path", "/ws", "websocket path")
	count := flag.Int("count", 25, "messages to read before exiting")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: *path}
	log.Printf("connecting to %s", u.String())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		log.Fatalf("dial error: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	for i := 0; i < *count; i++ {
		_, msg, err := c.Read(ctx)
		if err != nil {
			log.Printf("read error: %v", err)
			os.Exit(1)
		}
		fmt.Printf("msg[%d]=%s\n", i, string(msg))
	}
}
