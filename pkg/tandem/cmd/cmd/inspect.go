// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/antflydb/tandem/pkg/tandem/lib/bundle"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <bundle>",
	Short: "Summarize a model bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading bundle: %w", err)
		}
		b, err := bundle.Inspect(data)
		if err != nil {
			return err
		}
		logger.Debug("Decoded bundle", zap.String("path", args[0]), zap.Int("bytes", len(data)))

		out := cmd.OutOrStdout()
		if len(b.Config) == 0 {
			fmt.Fprintln(out, "empty bundle (no model loaded)")
			return nil
		}
		fmt.Fprintf(out, "config keys:        %d\n", len(b.Config))
		fmt.Fprintf(out, "weight state:       %d bytes\n", len(b.State))
		fmt.Fprintf(out, "tokenizer options:  %d\n", len(b.TokenizerConfig))
		fmt.Fprintf(out, "forward options:    %d\n", len(b.TransformerConfig))
		fmt.Fprintf(out, "tokenizer assets:\n")
		names := make([]string, 0, len(b.Tokenizer))
		for name := range b.Tokenizer {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %-28s %d bytes\n", name, len(b.Tokenizer[name]))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
