package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/TrackWeave/go-class-weave/weaver"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	reportJsonFile := flag.String("json", "weavereport.json", "File to read rewrite details from")
	reportChartsFile := flag.String("charts", "weavereport.png", "File to output rewrite overview chart image")
	flag.Parse()

	data, err := os.ReadFile(*reportJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to read weavereport: %v", weaver.ErrorLogPrefix, err)
	}
	var metrics weaver.ReportMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		log.Fatalf("%sFailed to unmarshal weavereport: %v", weaver.ErrorLogPrefix, err)
	}

	charts, err := weaver.RenderReportChartsFromJson(metrics)
	if err != nil {
		log.Fatalf("%sFailed to render charts: %v", weaver.ErrorLogPrefix, err)
	}
	if err = os.WriteFile(*reportChartsFile, charts, 0644); err != nil {
		log.Fatalf("%sFailed to write chart file: %v", weaver.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *reportChartsFile)
}
