package main

import (
	"log"

	"github.com/TrackWeave/go-class-weave/weaver"
	"github.com/TrackWeave/go-class-weave/weaver/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	config, err := cmd.ParseFlags()
	if err != nil {
		log.Fatalf("%s%v", weaver.ErrorLogPrefix, err)
	}

	engine, err := weaver.NewEngine(config)
	if err != nil {
		log.Fatalf("%s%v", weaver.ErrorLogPrefix, err)
	}
	defer engine.Close()

	if _, err := engine.Run(); err != nil {
		log.Fatalf("%s%v", weaver.ErrorLogPrefix, err)
	}
}
