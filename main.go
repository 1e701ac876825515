package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"signglove/config"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "signglove",
		Short:         "手语手套实时识别：服务端预测与自动训练，设备端推流与语音播报",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// 默认配置文件为当前目录下的config.yaml
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return loadConfig(configPath, cmd.Flags().Changed("config"))
	}
	root.AddCommand(newServeCmd(load), newStreamCmd(load))
	return root
}

// loadConfig 加载配置文件；没有显式指定且默认文件不存在时使用默认配置
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("加载配置文件失败: %w", err)
}
