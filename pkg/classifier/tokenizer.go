/*
Copyright 2025 Jordi Gil.

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

package classifier

import (
	"fmt"
	"strings"

	"github.com/jordigilh/gimc/pkg/models"
)

// TokenizeLine applies the fixed preprocessing the model was trained with:
// lowercase, commas and backslashes become spaces, whitespace split.
func TokenizeLine(line string) []string {
	line = strings.ToLower(line)
	line = strings.ReplaceAll(line, ",", " ")
	line = strings.ReplaceAll(line, `\`, " ")
	return strings.Fields(line)
}

// TokenizeReport flattens every dynamic event into the token stream fed to
// the model. Each event contributes its Operation, Path and Result joined
// the way the training data was rendered.
func TokenizeReport(report *models.Report) []string {
	var tokens []string
	for _, event := range report.Dynamic {
		line := fmt.Sprintf("%s, %s, %s", event.Operation, event.Path, event.Result)
		tokens = append(tokens, TokenizeLine(line)...)
	}
	return tokens
}
