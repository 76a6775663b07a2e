package main

import (
	"testing"

	"github.com/samsamfire/ionode/pkg/can/bridge"
	"github.com/samsamfire/ionode/pkg/can/sim"
	"github.com/samsamfire/ionode/pkg/config"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewPeripheral(t *testing.T) {
	logger := log.NewEntry(log.StandardLogger())
	cfg := config.Default()
	p, err := newPeripheral(cfg, logger)
	assert.Nil(t, err)
	assert.IsType(t, &sim.Peripheral{}, p)

	cfg.Interface = "virtual"
	cfg.Channel = "localhost:18888"
	p, err = newPeripheral(cfg, logger)
	assert.Nil(t, err)
	assert.IsType(t, &bridge.Peripheral{}, p)

	cfg.Interface = "kvaser"
	_, err = newPeripheral(cfg, logger)
	assert.NotNil(t, err)
}

func TestLoadOD(t *testing.T) {
	cfg := config.Default()
	dict, err := loadOD(cfg)
	assert.Nil(t, err)
	cobId, err := dict.Index(0x1800).Uint32(1)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x190, cobId)

	cfg.EDS = "does-not-exist.eds"
	_, err = loadOD(cfg)
	assert.NotNil(t, err)
}
