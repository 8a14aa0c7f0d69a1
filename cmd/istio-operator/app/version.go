/*
Copyright 2024 The istio-ecosystem authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package app

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/cobra"

	"github.com/istio-ecosystem/istio-core-operator/pkg/version"
)

// NewCmdVersion prints the build version.
func NewCmdVersion() *cobra.Command {
	short := false

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version.GetVersion()
			if short {
				fmt.Fprintln(os.Stdout, v.String())
				return
			}
			out, err := yaml.Marshal(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprint(os.Stdout, string(out))
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "Print the version on one line")
	return cmd
}
