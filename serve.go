package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signglove/autotrain"
	"signglove/config"
	"signglove/discovery"
	"signglove/emitter"
	"signglove/log"
	"signglove/predict"
	"signglove/server"
	"signglove/store"
	"signglove/utils/inference"
	"signglove/utils/trainer"

	"github.com/spf13/cobra"
)

type serveOptions struct {
	skipSidecars bool
	port         int
}

func newServeCmd(load func(*cobra.Command) (*config.Config, error)) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动预测服务：WebSocket推理、自动训练、状态查询",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if opts.port > 0 {
				cfg.WebSocket.Port = opts.port
			}
			return runServe(cfg, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.skipSidecars, "skip-sidecar-check", false, "启动时不等待推理和训练服务就绪")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "覆盖websocket.port")
	return cmd
}

func runServe(cfg *config.Config, opts serveOptions) error {
	// 初始化日志系统
	if err := log.Init(&cfg.Log); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}
	defer log.Close()

	log.Infof("正在启动signglove服务端...")
	if cfg.ConfigPath != "" {
		log.Infof("已加载配置文件: %s", cfg.ConfigPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !opts.skipSidecars {
		if err := server.InitializeSidecars(ctx, cfg); err != nil {
			return err
		}
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			log.Warnf("关闭存储失败: %v", err)
		}
	}()
	log.Infof("存储驱动: %s", cfg.Store.Driver)

	notifiers := []autotrain.Notifier{st}
	recorders := []predict.Recorder{st}
	var serverOpts []server.Option

	// MQTT是可选的，连接失败不影响预测
	if cfg.MQTT.Broker != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		mq, err := emitter.Connect(connectCtx, cfg.MQTT)
		cancel()
		if err != nil {
			log.Warnf("MQTT不可用，跳过事件发布: %v", err)
		} else {
			defer mq.Close()
			notifiers = append(notifiers, mq)
			recorders = append(recorders, mq)
			serverOpts = append(serverOpts, server.WithMQTT(mq))
		}
	}

	coord := autotrain.New(autotrain.Config{
		RepeatThreshold: cfg.AutoTrain.RepeatThreshold,
		TrainThreshold:  cfg.AutoTrain.TrainThreshold,
		DatasetRef:      cfg.AutoTrain.DatasetRef,
		TrainTimeout:    cfg.AutoTrain.TrainTimeout.D(),
		QueueSize:       cfg.AutoTrain.QueueSize,
		HistorySize:     cfg.AutoTrain.HistorySize,
	}, st, trainer.New(cfg.Trainer), notifiers...)
	if err := coord.Restore(ctx); err != nil {
		return fmt.Errorf("恢复自动训练状态失败: %w", err)
	}
	defer coord.Close()
	go coord.Run(ctx)

	router := predict.New(predict.Config{ChannelArity: cfg.ChannelArity}, inference.New(cfg.Inference), coord, recorders...)
	go router.Run(ctx)

	serverOpts = append(serverOpts, server.WithStatus(coord), server.WithPredictions(st))
	srv := server.New(cfg, router, nil, serverOpts...)

	if cfg.MDNS.Enabled {
		shutdown, err := discovery.Advertise(cfg.MDNS, cfg.WebSocket.Port, cfg.WebSocket.Path, cfg.ChannelArity)
		if err != nil {
			log.Warnf("mDNS广播失败: %v", err)
		} else {
			defer shutdown()
		}
	}

	// 阻塞直到收到退出信号
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("WebSocket服务器错误: %w", err)
	}
	log.Infof("服务端已退出")
	return nil
}
