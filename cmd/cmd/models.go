// Copyright 2025 The clip-as-service Authors
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
	"text/tabwriter"

	"github.com/morgoth95/clip-as-service/lib/backends"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List supported model variants",
	Long: `List the model variants this build knows how to serve, with the
embedding dimension and input image size of each.`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEMBEDDING DIM\tIMAGE SIZE\tCONTEXT LENGTH")
	for _, name := range backends.VariantNames() {
		v, err := backends.LookupVariant(name)
		if err != nil {
			return err
		}
		marker := ""
		if name == backends.DefaultVariant {
			marker = " (default)"
		}
		fmt.Fprintf(w, "%s%s\t%d\t%d\t%d\n", v.Name, marker, v.EmbeddingDim, v.ImageSize, v.ContextLength)
	}
	return w.Flush()
}
