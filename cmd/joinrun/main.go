// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/govalues/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xlab/treeprint"
	"go.uber.org/zap"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/compute"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initJoinCmds()
}

var runCfg = util.DefaultConfig()

type dataOptions struct {
	customers int
	orders    int
	seed      uint64
	sample    int
}

var dataOpts dataOptions

///root cmd

var info = "run the paged hash join on synthetic customers and orders"
var RootCmd = &cobra.Command{
	Use:          "joinrun",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use joinrun --help or -h")
	},
}

//join cmds

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "build one merged map and probe every order page against it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(false)
	},
}

var partitionedCmd = &cobra.Command{
	Use:   "partitioned",
	Short: "hash partition customers over nodes and probe per partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(true)
	},
}

func initJoinCmds() {
	flags := RootCmd.PersistentFlags()
	flags.IntVar(&dataOpts.customers, "customers", 1000, "number of customers on the build side")
	flags.IntVar(&dataOpts.orders, "orders", 10000, "number of orders on the probe side")
	flags.Uint64Var(&dataOpts.seed, "seed", 1, "random seed of the order generator")
	flags.IntVar(&dataOpts.sample, "sample", 10, "joined rows to print")
	flags.Int("threads", 0, "worker threads")
	flags.Int("chunk_size", 0, "rows per tuple set")
	flags.Int("nodes", 0, "simulated nodes of the partitioned join")
	flags.Int("partitions", 0, "partitions per node")
	flags.String("merge_policy", "", "merge overflow policy. error, discard")
	flags.String("log_level", "", "log level")

	viper.BindPFlag("pipeline.threads", flags.Lookup("threads"))
	viper.BindPFlag("pipeline.chunkSize", flags.Lookup("chunk_size"))
	viper.BindPFlag("join.numNodes", flags.Lookup("nodes"))
	viper.BindPFlag("join.partitionsPerNode", flags.Lookup("partitions"))
	viper.BindPFlag("join.mergeOverflowPolicy", flags.Lookup("merge_policy"))
	viper.BindPFlag("debug.logLevel", flags.Lookup("log_level"))

	RootCmd.AddCommand(broadcastCmd, partitionedCmd)
}

func setInt(dst *int, key string) {
	if v := viper.GetInt(key); v > 0 {
		*dst = v
	}
}

func setString(dst *string, key string) {
	if v := viper.GetString(key); v != "" {
		*dst = v
	}
}

func initRunCfg() error {
	setInt(&runCfg.Page.Size, "page.size")
	runCfg.Page.NodeId = viper.GetInt32("page.nodeId")
	setInt(&runCfg.Pipeline.ChunkSize, "pipeline.chunkSize")
	setInt(&runCfg.Pipeline.MinBatchSize, "pipeline.minBatchSize")
	setInt(&runCfg.Pipeline.Threads, "pipeline.threads")
	setInt(&runCfg.Join.NumNodes, "join.numNodes")
	setInt(&runCfg.Join.PartitionsPerNode, "join.partitionsPerNode")
	setString(&runCfg.Join.MergeOverflow, "join.mergeOverflowPolicy")
	runCfg.Debug.PrintPipeline = viper.GetBool("debug.printPipeline")
	setString(&runCfg.Debug.LogLevel, "debug.logLevel")
	setString(&runCfg.Debug.LogFile, "debug.logFile")
	return runCfg.Validate()
}

var (
	customerSet = storage.SetKey{Db: 1, Typ: 1, Set: 1}
	orderSet    = storage.SetKey{Db: 1, Typ: 2, Set: 1}
	resultSet   = storage.SetKey{Db: 1, Typ: 3, Set: 1}
)

func joinSpec() compute.JoinSpec {
	return compute.JoinSpec{
		Build:         customerSet,
		Probe:         orderSet,
		Output:        resultSet,
		KeyType:       chunk.TypeInt64,
		BuildTypeName: customerType,
		BuildKey: func(obj chunk.Object) (any, error) {
			return obj.(*Customer).Key, nil
		},
		ProbeKey: func(obj chunk.Object) (any, error) {
			return obj.(*Order).CustKey, nil
		},
		Combine: func(probe, build chunk.Object) (chunk.Object, error) {
			o, c := probe.(*Order), build.(*Customer)
			return &Result{OrderKey: o.OrderKey, Name: c.Name, Amount: o.Amount}, nil
		},
	}
}

func runJoin(partitioned bool) error {
	if err := initRunCfg(); err != nil {
		return err
	}
	if err := util.InitLogger(runCfg.Debug.LogLevel, runCfg.Debug.LogFile); err != nil {
		return err
	}
	store := storage.NewMemoryStore(storage.NodeID(runCfg.Page.NodeId), runCfg.Page.Size)
	rnd := rand.New(rand.NewPCG(dataOpts.seed, dataOpts.seed))
	opts := compute.NewPipelineOptions(runCfg)
	pool := compute.NewWorkerPool(store, 2)
	_, err := pool.Run(2, func(w *compute.Worker) error {
		var err error
		if w.ID == 0 {
			_, err = compute.LoadObjects(w, customerSet, genCustomers(dataOpts.customers), opts)
		} else {
			_, err = compute.LoadObjects(w, orderSet, genOrders(dataOpts.orders, dataOpts.customers, rnd), opts)
		}
		return err
	})
	if err != nil {
		return err
	}
	util.Info("input loaded",
		zap.Int("customers", dataOpts.customers),
		zap.Int("customerPages", len(store.PageKeys(customerSet))),
		zap.Int("orders", dataOpts.orders),
		zap.Int("orderPages", len(store.PageKeys(orderSet))))

	driver, err := compute.NewJoinDriver(store, runCfg, joinSpec())
	if err != nil {
		return err
	}
	var res *compute.JoinResult
	if partitioned {
		res, err = driver.PartitionedJoin()
	} else {
		res, err = driver.BroadcastJoin()
	}
	if err != nil {
		return err
	}
	return printResult(store, res)
}

func printResult(store *storage.MemoryStore, res *compute.JoinResult) error {
	tree := treeprint.NewWithRoot(fmt.Sprintf("Join %s", res.RunID))
	tree.AddMetaNode("rows", res.Rows)
	tree.AddMetaNode("pages", res.Pages)
	tree.AddMetaNode("merged", res.Merge.Merged)
	tree.AddMetaNode("dropped", res.Merge.Dropped)
	tree.AddMetaNode("took", res.Took)

	total := decimal.Zero
	sample := tree.AddBranch("sample")
	shown := 0
	for _, key := range store.PageKeys(resultSet) {
		page, err := store.Page(key)
		if err != nil {
			return err
		}
		vec, err := compute.DecodeObjectVector(page)
		if err != nil {
			return err
		}
		for _, obj := range vec.Objects {
			r := obj.(*Result)
			if total, err = total.Add(r.Amount); err != nil {
				return err
			}
			if shown < dataOpts.sample {
				sample.AddNode(r.String())
				shown++
			}
		}
	}
	tree.AddMetaNode("amount", total.String())
	fmt.Println(tree.String())
	return nil
}

var defCfgFilePaths = []string{".", "etc/joinrun"}
var cfgFileName = "joinrun.toml"

// loadConfig reads the first joinrun.toml found. Without one the
// defaults and flags are used.
func loadConfig() {
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if !util.FileIsValid(fpath) {
			continue
		}
		viper.SetConfigFile(fpath)
		if err := viper.ReadInConfig(); err != nil {
			util.Error("viper load config file failed",
				zap.String("fpath", fpath),
				zap.Error(err))
			continue
		}
		return
	}
	util.Warn("joinrun.toml does not exist, use defaults")
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
