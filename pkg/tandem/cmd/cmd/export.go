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
	"path/filepath"
	"strings"

	"github.com/antflydb/tandem/pkg/tandem/lib/bundle"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var exportCmd = &cobra.Command{
	Use:   "export <bundle> <dir>",
	Short: "Unpack a bundle's tokenizer assets into a directory",
	Args:  cobra.ExactArgs(2),
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
		if len(b.Tokenizer) == 0 {
			return fmt.Errorf("bundle carries no tokenizer assets")
		}

		dir := args[1]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		for name, content := range b.Tokenizer {
			if name != filepath.Base(name) || strings.Contains(name, "..") {
				return fmt.Errorf("unsafe tokenizer asset name %q", name)
			}
			if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", name, err)
			}
			logger.Info("Exported asset", zap.String("name", name), zap.Int("bytes", len(content)))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
