package main

import (
	"log"

	"github.com/chatflow/chatflow/core/controlplane/workflowengine"
	"github.com/chatflow/chatflow/core/infra/buildinfo"
	"github.com/chatflow/chatflow/core/infra/config"
)

func main() {
	log.Println("chatflow workflow engine starting...")
	buildinfo.Log("chatflow-workflow-engine")
	cfg := config.Load()
	if err := workflowengine.Run(cfg); err != nil {
		log.Fatalf("workflow engine error: %v", err)
	}
}
