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

// Package logging provides standard structured field names so log lines stay
// greppable across the services.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// StandardFields is a chainable field builder.
type StandardFields map[string]interface{}

// NewFields starts an empty field set.
func NewFields() StandardFields {
	return StandardFields{}
}

func (f StandardFields) Component(name string) StandardFields {
	f["component"] = name
	return f
}

func (f StandardFields) Operation(name string) StandardFields {
	f["operation"] = name
	return f
}

func (f StandardFields) Resource(resourceType, name string) StandardFields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f StandardFields) Duration(d time.Duration) StandardFields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f StandardFields) Error(err error) StandardFields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f StandardFields) RequestID(id string) StandardFields {
	f["request_id"] = id
	return f
}

func (f StandardFields) StatusCode(code int) StandardFields {
	f["status_code"] = code
	return f
}

func (f StandardFields) Method(method string) StandardFields {
	f["method"] = method
	return f
}

func (f StandardFields) URL(url string) StandardFields {
	f["url"] = url
	return f
}

func (f StandardFields) Count(n int) StandardFields {
	f["count"] = n
	return f
}

func (f StandardFields) Size(bytes int64) StandardFields {
	f["size_bytes"] = bytes
	return f
}

func (f StandardFields) Version(version string) StandardFields {
	f["version"] = version
	return f
}

func (f StandardFields) Custom(key string, value interface{}) StandardFields {
	f[key] = value
	return f
}

// ToLogrus converts the field set for logrus consumers.
func (f StandardFields) ToLogrus() logrus.Fields {
	return logrus.Fields(f)
}

// DatabaseFields labels a database operation on a table.
func DatabaseFields(operation, table string) StandardFields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields labels an HTTP exchange.
func HTTPFields(method, url string, statusCode int) StandardFields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// CandidateFields labels an operation on a candidate.
func CandidateFields(operation, hash string) StandardFields {
	return NewFields().Component("evaluation").Operation(operation).Resource("candidate", hash)
}

// VMFields labels a hypervisor operation on a VM.
func VMFields(operation, name string) StandardFields {
	return NewFields().Component("vmlifecycle").Operation(operation).Resource("vm", name)
}
