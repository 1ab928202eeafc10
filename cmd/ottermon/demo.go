package main

import (
	"context"
	"fmt"

	"github.com/ottermq/ottermon/internal/messaging"
	"github.com/rs/zerolog/log"
)

// SimpleRequest and SimpleReply are the DTOs of the demo service.
type SimpleRequest struct {
	Number float64 `json:"number"`
	Text   string  `json:"text,omitempty"`
}

type SimpleReply struct {
	Result float64 `json:"result"`
	Text   string  `json:"text,omitempty"`
}

// startDemoService registers a Single endpoint that doubles numbers. Negative
// numbers fail, so their requests end up in the endpoint's DLQ.
func startDemoService(f *messaging.Factory, endpointID string) (*messaging.Endpoint, error) {
	ep, err := messaging.Single(f, endpointID, func(_ context.Context, pc messaging.ProcessContext, req SimpleRequest) (SimpleReply, error) {
		if req.Number < 0 {
			return SimpleReply{}, fmt.Errorf("cannot process negative number %v", req.Number)
		}
		log.Debug().Str("trace_id", pc.TraceID).Float64("number", req.Number).Msg("Demo service processing")
		return SimpleReply{Result: req.Number * 2, Text: req.Text + ":FromSimple"}, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("endpoint", endpointID).Msg("Demo service started")
	return ep, nil
}
