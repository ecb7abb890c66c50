package server

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modhub/internal/config"
	"github.com/any-hub/modhub/internal/engine"
	"github.com/any-hub/modhub/internal/host"
	"github.com/any-hub/modhub/internal/metrics"
)

// NewHost 按配置组装 file:/factory: 两种 scheme 的宿主加载能力。
func NewHost(cfg *config.Config, factories *host.FactoryTable) (*host.Mux, error) {
	files, err := host.NewFileLoader(cfg.Global.StoragePath)
	if err != nil {
		return nil, err
	}
	if factories == nil {
		factories = host.NewFactoryTable()
	}

	mux := host.NewMux()
	if err := mux.Handle(config.SchemeFile, files); err != nil {
		return nil, err
	}
	if err := mux.Handle(config.SchemeFactory, factories); err != nil {
		return nil, err
	}
	return mux, nil
}

// NewEngine 构建 Engine 并登记配置中的全部模块。
func NewEngine(cfg *config.Config, logger *logrus.Logger, factories *host.FactoryTable) (*engine.Engine, error) {
	mux, err := NewHost(cfg, factories)
	if err != nil {
		return nil, fmt.Errorf("init host loader: %w", err)
	}

	var sizeFunc func(string, any) int64
	if cfg.Global.SizeFromFile {
		sizeFunc = host.FileSize
	}

	eng, err := engine.New(engine.Options{
		Host:         mux,
		Logger:       logger,
		Metrics:      metrics.New(),
		MaxCacheSize: cfg.Global.MaxCacheSize,
		SizeFunc:     sizeFunc,
	})
	if err != nil {
		return nil, err
	}
	if err := eng.RegisterAll(cfg.Descriptors()); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}
