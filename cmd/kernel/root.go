// Command kernel boots the teaching kernel as a host process: one
// goroutine per hart, a host file (or memory) as the disk, and an init
// process running a demonstration workload over the full syscall
// surface. It exists so the core packages can be driven end to end
// without RISC-V hardware.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type bootConfig struct {
	Harts          int
	MemFrames      int
	DiskPath       string
	Format         bool
	Blocks         int
	Inodes         int
	MetricsAddr    string
	LogFile        string
	LogLevel       string
	DeadlockDetect bool
	RunMs          int
	ProfileOut     string
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Run the SMP kernel simulator",
	Long: `Boots the kernel core as an ordinary multi-goroutine host process:
per-hart scheduler loops, a block-cache-backed filesystem over a disk
image (or memory), and an init process exercising the syscall surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		return runKernel(cfg)
	},
}

var dumpProfileCmd = &cobra.Command{
	Use:   "dump-profile",
	Short: "Run briefly and write a scheduler-fairness pprof profile",
	Long: `Boots the kernel, runs the demonstration workload for --run-ms,
then serializes every live thread's accumulated stride and syscall
counts as a pprof profile loadable with "go tool pprof".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		return dumpProfile(cfg)
	},
}

func addBootFlags(fs *pflag.FlagSet) {
	fs.Int("harts", 4, "number of harts (SMP width)")
	fs.Int("mem-frames", 4096, "physical frames the allocator manages")
	fs.String("disk", "", "disk image path (empty: in-memory disk)")
	fs.Bool("format", false, "format the disk image instead of mounting it")
	fs.Int("blocks", 4096, "total blocks when formatting")
	fs.Int("inodes", 128, "inode slots when formatting")
	fs.String("metrics", "", "address to serve /metrics on (empty: disabled)")
	fs.String("log-file", "", "rotating log file path (empty: stderr)")
	fs.String("log-level", "info", "minimum log level (debug|info|warn|error)")
	fs.Bool("deadlock-detect", false, "enable deadlock detection in the init process")
	fs.Int("run-ms", 2000, "how long to run before shutting down")
	fs.String("output", "sched.pb.gz", "profile output path (dump-profile)")
}

// loadConfig merges flags with an optional viper config file; flag
// values win over file values, file values win over defaults.
func loadConfig(flags *pflag.FlagSet) (bootConfig, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return bootConfig{}, err
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return bootConfig{}, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return bootConfig{
		Harts:          v.GetInt("harts"),
		MemFrames:      v.GetInt("mem-frames"),
		DiskPath:       v.GetString("disk"),
		Format:         v.GetBool("format"),
		Blocks:         v.GetInt("blocks"),
		Inodes:         v.GetInt("inodes"),
		MetricsAddr:    v.GetString("metrics"),
		LogFile:        v.GetString("log-file"),
		LogLevel:       v.GetString("log-level"),
		DeadlockDetect: v.GetBool("deadlock-detect"),
		RunMs:          v.GetInt("run-ms"),
		ProfileOut:     v.GetString("output"),
	}, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	addBootFlags(rootCmd.Flags())
	addBootFlags(dumpProfileCmd.Flags())
	rootCmd.AddCommand(dumpProfileCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
