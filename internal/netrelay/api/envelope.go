// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the JSON-over-HTTP management API.
package api

import (
	"net/http"

	"github.com/go-chi/render"
)

// envelope is the shared response shape: `{ success, data?, message? }`.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *envelope) Render(w http.ResponseWriter, r *http.Request) error { return nil }

func ok(w http.ResponseWriter, r *http.Request, data any) {
	render.JSON(w, r, &envelope{Success: true, Data: data})
}

func fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, &envelope{Success: false, Message: message})
}
