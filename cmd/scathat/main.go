package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"scathat/internal/api"
	"scathat/internal/assessment"
	"scathat/internal/config"
	"scathat/internal/fusion"
	"scathat/internal/logging"
	"scathat/internal/shutdown"
	"scathat/internal/validation"
	"scathat/internal/verification"
	"scathat/pkg/models"
)

var (
	configFile string
	verbose    bool

	// analyze
	address      string
	bytecode     string
	sourceFile   string
	contractName string
	expectedCode string
	writeBack    bool

	// fuse
	inputFile string

	// write
	aiScore      float64
	aiConfidence float64

	// serve
	port            int
	shutdownTimeout time.Duration

	// receipts
	limit int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "scathat",
		Short:         "智能合约风险评估工具",
		Long:          `融合多个AI检测器的风险读数，结合链上字节码验证生成综合风险结论，并可写入链上注册合约`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径，为空时只使用默认值与环境变量")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP服务",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "API 服务端口，0表示使用配置")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "优雅停机超时")

	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "完整评估一个合约",
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&address, "address", "", "合约地址")
	analyzeCmd.Flags().StringVar(&bytecode, "bytecode", "", "十六进制字节码")
	analyzeCmd.Flags().StringVar(&sourceFile, "source", "", "Solidity源码文件")
	analyzeCmd.Flags().StringVar(&contractName, "contract-name", "", "合约名称")
	analyzeCmd.Flags().StringVar(&expectedCode, "expected-bytecode", "", "期望的运行时字节码")
	analyzeCmd.Flags().BoolVar(&writeBack, "write-back", false, "评估后写入注册合约")

	fuseCmd := &cobra.Command{
		Use:   "fuse",
		Short: "融合检测器读数（离线）",
		Long:  `从 --input 文件或标准输入读取 {bytecode_analysis, code_analysis, behavior_analysis} JSON`,
		RunE:  runFuse,
	}
	fuseCmd.Flags().StringVar(&inputFile, "input", "", "输入JSON文件，为空时读取标准输入")

	verifyCmd := &cobra.Command{
		Use:   "verify <address>...",
		Short: "链上字节码验证",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runVerify,
	}
	verifyCmd.Flags().StringVar(&expectedCode, "expected-bytecode", "", "期望的运行时字节码，应用于所有地址")

	writeCmd := &cobra.Command{
		Use:   "write <address>",
		Short: "将AI分数与验证结果合并后写入注册合约",
		Args:  cobra.ExactArgs(1),
		RunE:  runWrite,
	}
	writeCmd.Flags().Float64Var(&aiScore, "ai-score", 0, "AI风险分数 [0,1]")
	writeCmd.Flags().Float64Var(&aiConfidence, "ai-confidence", 0, "AI置信度 [0,1]")
	writeCmd.Flags().StringVar(&expectedCode, "expected-bytecode", "", "期望的运行时字节码")
	_ = writeCmd.MarkFlagRequired("ai-score")
	_ = writeCmd.MarkFlagRequired("ai-confidence")

	readCmd := &cobra.Command{
		Use:   "read <address>",
		Short: "读取注册合约中的风险描述",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}

	receiptsCmd := &cobra.Command{
		Use:   "receipts <address>",
		Short: "查看审计存储中的写入回执",
		Args:  cobra.ExactArgs(1),
		RunE:  runReceipts,
	}
	receiptsCmd.Flags().IntVar(&limit, "limit", 20, "最多返回条数")

	rootCmd.AddCommand(serveCmd, analyzeCmd, fuseCmd, verifyCmd, writeCmd, readCmd, receiptsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// setup 加载配置并创建日志
func setup() (*config.Config, *logrus.Logger, error) {
	path := configFile
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(*cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// withApp 组装组件并执行fn
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.API.Port = port
	}

	mgr := shutdown.NewManager(shutdownTimeout, logger)
	mgr.Listen()

	a, err := newApp(mgr.Context(), cfg, logger)
	if err != nil {
		return err
	}

	if a.pool != nil {
		a.pool.Start(mgr.Context())
	}

	opts := api.Options{Port: cfg.API.Port, Mode: cfg.API.Mode, Metrics: a.metrics}
	if a.pool != nil {
		opts.Nodes = a.pool
	}
	server := api.NewServer(a.service, logger, opts)

	mgr.Register("api", shutdown.OrderStopHTTP, server.Stop)
	mgr.Register("service", shutdown.OrderFlushOutput, func(context.Context) error {
		return a.service.Close()
	})
	if a.pool != nil {
		mgr.Register("nodes", shutdown.OrderCloseNodes, func(context.Context) error {
			return a.pool.Close()
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		mgr.Shutdown()
		if err != nil {
			return fmt.Errorf("启动服务器失败: %w", err)
		}
	case <-mgr.Context().Done():
		mgr.Wait()
	}

	if errs := mgr.Errors(); len(errs) > 0 {
		return fmt.Errorf("停机过程中发生 %d 个错误", len(errs))
	}
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	req := assessment.Request{
		ContractAddress:  address,
		Bytecode:         bytecode,
		ContractName:     contractName,
		ExpectedBytecode: expectedCode,
		WriteBack:        writeBack,
	}
	if sourceFile != "" {
		data, err := os.ReadFile(sourceFile)
		if err != nil {
			return fmt.Errorf("读取源码失败: %w", err)
		}
		req.SourceCode = string(data)
	}
	if req.ContractAddress == "" && req.Bytecode == "" && req.SourceCode == "" {
		return fmt.Errorf("需要指定 --address、--bytecode 或 --source")
	}

	return withApp(func(ctx context.Context, a *app) error {
		result, err := a.service.Assess(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

type fuseInput struct {
	BytecodeAnalysis *models.DetectorReading `json:"bytecode_analysis"`
	CodeAnalysis     *models.DetectorReading `json:"code_analysis"`
	BehaviorAnalysis *models.DetectorReading `json:"behavior_analysis"`
}

func runFuse(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if inputFile != "" {
		f, err := os.Open(inputFile)
		if err != nil {
			return fmt.Errorf("打开输入文件失败: %w", err)
		}
		defer f.Close()
		r = f
	}

	var in fuseInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return fmt.Errorf("解析输入失败: %w", err)
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	engine, err := fusion.NewEngine(cfg.Fusion.Weights(), logger)
	if err != nil {
		return err
	}
	svc, err := assessment.NewService(assessment.Dependencies{Engine: engine, Logger: logger})
	if err != nil {
		return err
	}
	return printJSON(svc.Fuse(fusion.Readings{
		Bytecode: in.BytecodeAnalysis,
		Code:     in.CodeAnalysis,
		Behavior: in.BehaviorAnalysis,
	}))
}

func runVerify(cmd *cobra.Command, args []string) error {
	var expected []byte
	if expectedCode != "" {
		code, err := validation.DecodeBytecode(expectedCode)
		if err != nil {
			return err
		}
		expected = code
	}

	targets := make([]verification.Target, 0, len(args))
	for _, addr := range args {
		targets = append(targets, verification.Target{Address: strings.TrimSpace(addr), ExpectedBytecode: expected})
	}

	return withApp(func(ctx context.Context, a *app) error {
		results, err := a.service.VerifyBatch(ctx, targets)
		if err != nil {
			return err
		}
		return printJSON(results)
	})
}

func runWrite(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		receipt, err := a.service.WriteBack(ctx, args[0], aiScore, aiConfidence, expectedCode)
		if err != nil {
			return err
		}
		if err := printJSON(receipt); err != nil {
			return err
		}
		if !receipt.Success {
			return fmt.Errorf("写入失败: %s", receipt.ErrorMessage)
		}
		return nil
	})
}

func runRead(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		risk, err := a.service.ReadRisk(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(risk)
		return nil
	})
}

func runReceipts(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		receipts, err := a.service.Receipts(ctx, args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(receipts)
	})
}
