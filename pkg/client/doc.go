// Package client provides a Go SDK for the task dispatcher's HTTP API, plus
// a WebSocket client for the optional live event feed.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	task, err := c.SubmitTask(ctx, client.TaskRequest{
//	    Type: "compute",
//	    Data: json.RawMessage(`{"limit": 1000, "method": "sieve"}`),
//	})
//
// # WebSocket Events
//
//	if err := c.ConnectWebSocket(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.CloseWebSocket()
//
//	for event := range c.Events() {
//	    fmt.Printf("Event: %s\n", event.Type)
//	}
//
// # Configuration
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30*time.Second),
//	)
package client
