package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dgfacade/dgfacade/internal/config"
)

func TestNew_BuildsTransportWithBreaker(t *testing.T) {
	tr := New(config.KafkaConfig{
		BootstrapServers: []string{"localhost:9092"},
		ClientID:         "dgfacade",
		ConsumerGroup:    "dgfacade-consumers",
		RequestsTopic:    "dgfacade.requests",
		ResponsesTopic:   "dgfacade.responses",
	}, nil, nil)

	assert.NotNil(t, tr.breaker)
	assert.NotNil(t, tr.recon)
	assert.Equal(t, "dgfacade.responses", tr.cfg.ResponsesTopic)
}

func TestRestore_IsNoOp(t *testing.T) {
	tr := New(config.KafkaConfig{BootstrapServers: []string{"localhost:9092"}}, nil, nil)
	assert.NoError(t, tr.Restore(context.Background()))
}

func TestClose_NilClientIsSafe(t *testing.T) {
	tr := New(config.KafkaConfig{BootstrapServers: []string{"localhost:9092"}}, nil, nil)
	assert.NoError(t, tr.Close())
}
