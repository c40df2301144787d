// Command mockchat runs the OpenAI-compatible mock chat-completions
// server standalone, for local smoke runs against a real worker process.
// Never part of the production control path.
package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/riftlab/chatstress/internal/mockserver"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	chunks := flag.Int("chunks", 3, "content chunks per streaming response")
	chunkText := flag.String("chunk-text", "a", "text appended per chunk")
	fail := flag.Bool("fail", false, "fail every request with a 500")
	usage := flag.Bool("usage", false, "include an authoritative usage block")
	flag.Parse()

	cfg := mockserver.Config{
		Chunks:           *chunks,
		ChunkText:        *chunkText,
		FailEveryRequest: *fail,
		IncludeUsage:     *usage,
	}
	handler := mockserver.NewHandler(cfg)

	log.Printf("mockchat listening on %s", *addr)
	if err := http.ListenAndServe(*addr, handler); err != nil {
		log.Fatal(err)
	}
}
