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

package util

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	MergePolicyError   = "error"
	MergePolicyDiscard = "discard"
)

type PageOptions struct {
	// Size is the full page size including the header.
	Size   int   `tag:"size" toml:"size"`
	NodeId int32 `tag:"nodeId" toml:"nodeId"`
}

type PipelineOptions struct {
	ChunkSize    int `tag:"chunkSize" toml:"chunkSize"`
	MinBatchSize int `tag:"minBatchSize" toml:"minBatchSize"`
	Threads      int `tag:"threads" toml:"threads"`
}

type JoinOptions struct {
	NumNodes          int    `tag:"numNodes" toml:"numNodes"`
	PartitionsPerNode int    `tag:"partitionsPerNode" toml:"partitionsPerNode"`
	MergeOverflow     string `tag:"mergeOverflowPolicy" toml:"mergeOverflowPolicy"`
}

type DebugOptions struct {
	PrintPipeline bool   `tag:"printPipeline" toml:"printPipeline"`
	LogLevel      string `tag:"logLevel" toml:"logLevel"`
	LogFile       string `tag:"logFile" toml:"logFile"`
}

type Config struct {
	Page     PageOptions     `tag:"page" toml:"page"`
	Pipeline PipelineOptions `tag:"pipeline" toml:"pipeline"`
	Join     JoinOptions     `tag:"join" toml:"join"`
	Debug    DebugOptions    `tag:"debug" toml:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		Page: PageOptions{
			Size: 64 * 1024 * 1024,
		},
		Pipeline: PipelineOptions{
			ChunkSize:    DefaultVectorSize,
			MinBatchSize: MinBatchSize,
			Threads:      4,
		},
		Join: JoinOptions{
			NumNodes:          1,
			PartitionsPerNode: 1,
			MergeOverflow:     MergePolicyError,
		},
		Debug: DebugOptions{
			LogLevel: "info",
		},
	}
}

// LoadConfig decodes path on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Page.Size <= 64 {
		return errors.Errorf("page size %d is too small", cfg.Page.Size)
	}
	if cfg.Pipeline.ChunkSize <= 0 {
		return errors.Errorf("invalid chunk size %d", cfg.Pipeline.ChunkSize)
	}
	if cfg.Pipeline.MinBatchSize <= 0 {
		cfg.Pipeline.MinBatchSize = MinBatchSize
	}
	if cfg.Pipeline.Threads <= 0 {
		return errors.Errorf("invalid thread count %d", cfg.Pipeline.Threads)
	}
	if cfg.Join.NumNodes <= 0 || cfg.Join.PartitionsPerNode <= 0 {
		return errors.Errorf("invalid partitioning %d nodes x %d partitions",
			cfg.Join.NumNodes, cfg.Join.PartitionsPerNode)
	}
	switch cfg.Join.MergeOverflow {
	case "":
		cfg.Join.MergeOverflow = MergePolicyError
	case MergePolicyError, MergePolicyDiscard:
	default:
		return errors.Errorf("unknown merge overflow policy %q", cfg.Join.MergeOverflow)
	}
	return nil
}
