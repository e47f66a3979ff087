package board

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dBoard/cmd/util"
	"github.com/ValentinKolb/dBoard/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dBoard replicas",
		Long:    "",
		Args:    cobra.NoArgs,
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfTopicPrefix = "__test"
	perfNumThreads  = 10
	perfTopicSpread = 100
	perfSkip        = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. publish,retrieve)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "topics"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different field values to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfTopicSpread = max(viper.GetInt("topics"), 1)
	perfNumThreads = viper.GetInt("threads")
	perfSkip = util.SplitList(viper.GetString("skip"))

	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for dBoard replicas")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Schema: %s\n", boardSchema)
	fmt.Println()

	if _, err := joinBoard(); err != nil {
		return err
	}

	fmt.Println("staring tests...")

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	largeContent := strings.Repeat("x", boardSchema.MessageSize/2)

	benchmarks := []struct {
		name string
		op   func(counter int) error
	}{
		{"publish", func(counter int) error {
			return publish(counter, "test")
		}},
		{"publish-large", func(counter int) error {
			return publish(counter, largeContent)
		}},
		{"retrieve", func(counter int) error {
			pattern := boardSchema.RetrieveAll()
			pattern.Fields = fieldValues(counter)
			_, _, err := rpcBoard.Retrieve(pattern)
			return err
		}},
		{"retrieve-own", func(_ int) error {
			_, _, err := rpcBoard.Retrieve(boardSchema.ByClient(rpcBoard.ClientID()))
			return err
		}},
		{"mixed", func(counter int) error {
			if counter%2 == 0 {
				return publish(counter, "test")
			}
			pattern := boardSchema.RetrieveAll()
			pattern.Fields = fieldValues(counter)
			_, _, err := rpcBoard.Retrieve(pattern)
			return err
		}},
	}

	for _, bench := range benchmarks {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bench.name) {
				return
			}

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					if err := bench.op(counter); err != nil {
						log.Printf("(%s) - error: %v\n", bench.name, err)
					}
					counter++
				}
			})
		})

		results[bench.name] = result
		printResult(bench.name, result)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// fieldValues returns the field values of the i-th test message (with wraparound).
// Fields with allowed values cycle through them.
func fieldValues(i int) []string {
	values := make([]string, len(boardSchema.Fields))
	for f, field := range boardSchema.Fields {
		if len(field.Allowed) > 0 {
			values[f] = field.Allowed[i%len(field.Allowed)]
		} else {
			values[f] = fmt.Sprintf("%s-%d", perfTopicPrefix, i%perfTopicSpread)
		}
	}
	return values
}

func publish(counter int, content string) error {
	ok, err := rpcBoard.Publish(fieldValues(counter), content)
	if err == nil && !ok {
		err = fmt.Errorf("publish rejected")
	}
	return err
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Serializer", "Transport",
		"Threads", "MessageSize", "Topics",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
			nsPerOp = 0
			opsPerSec = 0
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(boardSchema.MessageSize),
			strconv.Itoa(perfTopicSpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
