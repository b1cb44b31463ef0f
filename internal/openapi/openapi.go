// Package openapi describes the HTTP API as an OpenAPI 3.1 document. Each
// active function gets its own invoke operation typed by its schemas.
package openapi

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/watzon/tracery/internal/catalog"
)

const (
	typeString  = "string"
	typeInteger = "integer"
	typeBoolean = "boolean"
	typeObject  = "object"
	typeArray   = "array"

	jsonContentType = "application/json"
)

type Spec struct {
	OpenAPI    string               `json:"openapi"`
	Info       Info                 `json:"info"`
	Servers    []Server             `json:"servers,omitempty"`
	Paths      map[string]*PathItem `json:"paths"`
	Components *Components          `json:"components,omitempty"`
	Tags       []Tag                `json:"tags,omitempty"`
}

type Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

type Server struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

type PathItem struct {
	Get    *Operation `json:"get,omitempty"`
	Post   *Operation `json:"post,omitempty"`
	Put    *Operation `json:"put,omitempty"`
	Delete *Operation `json:"delete,omitempty"`
}

type Operation struct {
	Tags        []string            `json:"tags,omitempty"`
	Summary     string              `json:"summary,omitempty"`
	Description string              `json:"description,omitempty"`
	OperationID string              `json:"operationId,omitempty"`
	Parameters  []Parameter         `json:"parameters,omitempty"`
	RequestBody *RequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]Response `json:"responses"`
}

type Parameter struct {
	Name        string  `json:"name"`
	In          string  `json:"in"`
	Description string  `json:"description,omitempty"`
	Required    bool    `json:"required,omitempty"`
	Schema      *Schema `json:"schema,omitempty"`
}

type RequestBody struct {
	Description string               `json:"description,omitempty"`
	Required    bool                 `json:"required,omitempty"`
	Content     map[string]MediaType `json:"content"`
}

type MediaType struct {
	Schema *Schema `json:"schema,omitempty"`
}

type Response struct {
	Description string               `json:"description"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

type Components struct {
	Schemas map[string]*Schema `json:"schemas,omitempty"`
}

// Schema is a JSON Schema. Raw, when set, is emitted verbatim; function
// schemas are stored as JSON and passed through this way.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Format               string             `json:"format,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Ref                  string             `json:"$ref,omitempty"`
	Enum                 []string           `json:"enum,omitempty"`
	AdditionalProperties *Schema            `json:"additionalProperties,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (s *Schema) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	type plain Schema
	return json.Marshal((*plain)(s))
}

type Tag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type GeneratorConfig struct {
	Title       string
	Description string
	Version     string
	ServerURL   string
}

// Generate builds the document for the given functions. Inactive functions
// are left out.
func Generate(fns []*catalog.Function, cfg GeneratorConfig) *Spec {
	spec := &Spec{
		OpenAPI: "3.1.0",
		Info: Info{
			Title:       cfg.Title,
			Description: cfg.Description,
			Version:     cfg.Version,
		},
		Paths: make(map[string]*PathItem),
		Components: &Components{
			Schemas: make(map[string]*Schema),
		},
	}

	if cfg.ServerURL != "" {
		spec.Servers = []Server{{URL: cfg.ServerURL}}
	}

	addComponents(spec)
	addFunctionEndpoints(spec)
	addExecutionEndpoints(spec)
	addTriggerEndpoints(spec)

	sorted := make([]*catalog.Function, 0, len(fns))
	for _, fn := range fns {
		if fn.Active {
			sorted = append(sorted, fn)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, fn := range sorted {
		addInvokeOperation(spec, fn)
	}

	return spec
}

func ref(name string) *Schema {
	return &Schema{Ref: "#/components/schemas/" + name}
}

func jsonContent(s *Schema) map[string]MediaType {
	return map[string]MediaType{jsonContentType: {Schema: s}}
}

func errorResponse(description string) Response {
	return Response{Description: description, Content: jsonContent(ref("Error"))}
}

func pathParam(name, description string) Parameter {
	return Parameter{Name: name, In: "path", Required: true, Description: description, Schema: &Schema{Type: typeString}}
}

func queryParam(name, description, typ string) Parameter {
	return Parameter{Name: name, In: "query", Description: description, Schema: &Schema{Type: typ}}
}

func anyObject() *Schema {
	return &Schema{Type: typeObject, AdditionalProperties: &Schema{}}
}

func addComponents(spec *Spec) {
	schemas := spec.Components.Schemas

	schemas["Error"] = &Schema{
		Type: typeObject,
		Properties: map[string]*Schema{
			"error":   {Type: typeString, Description: "Error message"},
			"code":    {Type: typeString, Description: "Error code"},
			"details": {Type: typeObject, Description: "Additional error details"},
		},
		Required: []string{"error"},
	}

	schemas["Function"] = &Schema{
		Type: typeObject,
		Properties: map[string]*Schema{
			"name":          {Type: typeString},
			"description":   {Type: typeString},
			"source":        {Type: typeString},
			"input_schema":  anyObject(),
			"output_schema": anyObject(),
			"dependencies":  {Type: typeArray, Items: &Schema{Type: typeString}},
			"timeout":       {Type: typeInteger, Description: "Timeout in nanoseconds"},
			"memory_mb":     {Type: typeInteger},
			"active":        {Type: typeBoolean},
			"version":       {Type: typeInteger},
			"created_at":    {Type: typeString, Format: "date-time"},
			"updated_at":    {Type: typeString, Format: "date-time"},
		},
		Required: []string{"name", "source", "active", "version"},
	}

	schemas["FunctionInput"] = &Schema{
		Type: typeObject,
		Properties: map[string]*Schema{
			"name":          {Type: typeString},
			"description":   {Type: typeString},
			"source":        {Type: typeString},
			"input_schema":  anyObject(),
			"output_schema": anyObject(),
			"dependencies":  {Type: typeArray, Items: &Schema{Type: typeString}},
			"timeout":       {Type: typeString, Description: "Duration such as 30s"},
			"memory_mb":     {Type: typeInteger},
			"active":        {Type: typeBoolean},
		},
	}

	schemas["Execution"] = &Schema{
		Type: typeObject,
		Properties: map[string]*Schema{
			"id":               {Type: typeString, Format: "uuid"},
			"function":         {Type: typeString},
			"function_version": {Type: typeInteger},
			"trigger_kind":     {Type: typeString, Enum: []string{"direct", "webhook", "schedule", "agent"}},
			"trigger_ref":      {Type: typeString},
			"user_id":          {Type: typeString},
			"correlation_id":   {Type: typeString},
			"status":           {Type: typeString, Enum: []string{"pending", "running", "awaiting_input", "completed", "failed"}},
			"phase":            {Type: typeInteger},
			"input":            anyObject(),
			"output":           {},
			"error_code":       {Type: typeString},
			"error_message":    {Type: typeString},
			"input_prompt":     {Type: typeString},
			"input_schema":     anyObject(),
			"started_at":       {Type: typeString, Format: "date-time"},
			"completed_at":     {Type: typeString, Format: "date-time"},
			"duration_ms":      {Type: typeInteger},
			"created_at":       {Type: typeString, Format: "date-time"},
			"updated_at":       {Type: typeString, Format: "date-time"},
		},
		Required: []string{"id", "function", "function_version", "trigger_kind", "status", "phase"},
	}

	schemas["Accepted"] = &Schema{
		Type: typeObject,
		Properties: map[string]*Schema{
			"execution_id": {Type: typeString, Format: "uuid"},
			"status":       {Type: typeString},
		},
		Required: []string{"execution_id", "status"},
	}

	schemas["Step"] = &Schema{
		Type: typeObject,
		Properties: map[string]*Schema{
			"id":            {Type: typeString},
			"execution_id":  {Type: typeString},
			"parent_id":     {Type: typeString},
			"phase":         {Type: typeInteger},
			"function":      {Type: typeString},
			"sequence":      {Type: typeInteger},
			"status":        {Type: typeString, Enum: []string{"running", "completed", "failed"}},
			"input":         {},
			"output":        {},
			"error_code":    {Type: typeString},
			"error_message": {Type: typeString},
			"children":      {Type: typeArray, Items: ref("Step")},
		},
		Required: []string{"id", "execution_id", "function", "status"},
	}

	schemas["Event"] = &Schema{
		Type: typeObject,
		Properties: map[string]*Schema{
			"execution_id": {Type: typeString},
			"sequence":     {Type: typeInteger},
			"type":         {Type: typeString},
			"step_id":      {Type: typeString},
			"parent_id":    {Type: typeString},
			"function":     {Type: typeString},
			"data":         anyObject(),
			"timestamp":    {Type: typeString, Format: "date-time"},
		},
		Required: []string{"execution_id", "sequence", "type"},
	}

	schemas["Webhook"] = &Schema{
		Type: typeObject,
		Properties: map[string]*Schema{
			"id":       {Type: typeString},
			"path":     {Type: typeString},
			"function": {Type: typeString},
			"methods":  {Type: typeArray, Items: &Schema{Type: typeString}},
			"verification": {
				Type: typeObject,
				Properties: map[string]*Schema{
					"type":         {Type: typeString, Enum: []string{"hmac-sha256", "hmac-sha1", "hmac-sha512"}},
					"header":       {Type: typeString},
					"secret":       {Type: typeString, Description: "Redacted in responses"},
					"skip_invalid": {Type: typeBoolean},
				},
			},
			"condition": {Type: typeString, Description: "CEL expression over request and webhook"},
			"async":     {Type: typeBoolean},
			"active":    {Type: typeBoolean},
		},
		Required: []string{"path", "function"},
	}

	schemas["Schedule"] = &Schema{
		Type: typeObject,
		Properties: map[string]*Schema{
			"id":                {Type: typeString},
			"name":              {Type: typeString},
			"function":          {Type: typeString},
			"type":              {Type: typeString, Enum: []string{"cron", "interval", "one_time"}},
			"expression":        {Type: typeString},
			"timezone":          {Type: typeString},
			"input":             anyObject(),
			"enabled":           {Type: typeBoolean},
			"next_run":          {Type: typeString, Format: "date-time"},
			"last_run":          {Type: typeString, Format: "date-time"},
			"last_execution_id": {Type: typeString},
			"last_status":       {Type: typeString},
		},
		Required: []string{"name", "function", "type", "expression"},
	}
}

func addFunctionEndpoints(spec *Spec) {
	spec.Tags = append(spec.Tags, Tag{
		Name:        "functions",
		Description: "Function catalog and invocation",
	})

	nameParam := pathParam("name", "Function name")

	spec.Paths["/api/functions/validate"] = &PathItem{
		Post: &Operation{
			Tags:        []string{"functions"},
			Summary:     "Validate a function",
			Description: "Check source and schemas without storing anything",
			OperationID: "validateFunction",
			RequestBody: &RequestBody{Required: true, Content: jsonContent(ref("FunctionInput"))},
			Responses: map[string]Response{
				"200": {
					Description: "Validation result",
					Content: jsonContent(&Schema{
						Type: typeObject,
						Properties: map[string]*Schema{
							"valid":      {Type: typeBoolean},
							"error":      {Type: typeString},
							"code":       {Type: typeString},
							"entry":      {Type: typeString},
							"callables":  {Type: typeArray, Items: &Schema{Type: typeString}},
							"references": {Type: typeArray, Items: &Schema{Type: typeString}},
						},
						Required: []string{"valid"},
					}),
				},
			},
		},
	}

	spec.Paths["/api/functions"] = &PathItem{
		Get: &Operation{
			Tags:        []string{"functions"},
			Summary:     "List functions",
			OperationID: "listFunctions",
			Parameters:  []Parameter{queryParam("active", "Only active functions", typeBoolean)},
			Responses: map[string]Response{
				"200": {
					Description: "List of functions",
					Content: jsonContent(&Schema{
						Type: typeObject,
						Properties: map[string]*Schema{
							"functions": {Type: typeArray, Items: ref("Function")},
							"count":     {Type: typeInteger},
						},
					}),
				},
			},
		},
		Post: &Operation{
			Tags:        []string{"functions"},
			Summary:     "Create a function",
			OperationID: "createFunction",
			RequestBody: &RequestBody{Required: true, Content: jsonContent(ref("FunctionInput"))},
			Responses: map[string]Response{
				"201": {Description: "Function created", Content: jsonContent(ref("Function"))},
				"409": errorResponse("Function already exists"),
				"422": errorResponse("Invalid source, signature, or schema"),
			},
		},
	}

	spec.Paths["/api/functions/{name}"] = &PathItem{
		Get: &Operation{
			Tags:        []string{"functions"},
			Summary:     "Get a function",
			OperationID: "getFunction",
			Parameters:  []Parameter{nameParam},
			Responses: map[string]Response{
				"200": {Description: "The function", Content: jsonContent(ref("Function"))},
				"404": errorResponse("Function not found"),
			},
		},
		Put: &Operation{
			Tags:        []string{"functions"},
			Summary:     "Update a function",
			Description: "Changing source, schemas, or dependencies creates a new version",
			OperationID: "updateFunction",
			Parameters:  []Parameter{nameParam},
			RequestBody: &RequestBody{Required: true, Content: jsonContent(ref("FunctionInput"))},
			Responses: map[string]Response{
				"200": {Description: "Function updated", Content: jsonContent(ref("Function"))},
				"404": errorResponse("Function not found"),
				"422": errorResponse("Invalid source, signature, or schema"),
			},
		},
		Delete: &Operation{
			Tags:        []string{"functions"},
			Summary:     "Delete a function",
			OperationID: "deleteFunction",
			Parameters:  []Parameter{nameParam},
			Responses: map[string]Response{
				"204": {Description: "Function deleted"},
				"404": errorResponse("Function not found"),
			},
		},
	}

	spec.Paths["/api/functions/{name}/versions"] = &PathItem{
		Get: &Operation{
			Tags:        []string{"functions"},
			Summary:     "List function versions",
			OperationID: "listFunctionVersions",
			Parameters:  []Parameter{nameParam, queryParam("version", "Return a single version", typeInteger)},
			Responses: map[string]Response{
				"200": {Description: "Versions", Content: jsonContent(anyObject())},
				"404": errorResponse("Function or version not found"),
			},
		},
	}

	spec.Paths["/api/functions/{name}/rollback"] = &PathItem{
		Post: &Operation{
			Tags:        []string{"functions"},
			Summary:     "Roll back to a version",
			Description: "Stores the content of an earlier version as a new version",
			OperationID: "rollbackFunction",
			Parameters:  []Parameter{nameParam},
			RequestBody: &RequestBody{
				Required: true,
				Content: jsonContent(&Schema{
					Type:       typeObject,
					Properties: map[string]*Schema{"version": {Type: typeInteger}},
					Required:   []string{"version"},
				}),
			},
			Responses: map[string]Response{
				"200": {Description: "Function rolled back", Content: jsonContent(ref("Function"))},
				"404": errorResponse("Function or version not found"),
			},
		},
	}

	spec.Paths["/api/functions/{name}/invoke"] = &PathItem{
		Post: invokeOperation("invokeFunction", "Invoke a function", []Parameter{nameParam}, anyObject(), nil),
	}
}

func addInvokeOperation(spec *Spec, fn *catalog.Function) {
	input := anyObject()
	if len(fn.InputSchema) > 0 {
		input = &Schema{Raw: fn.InputSchema}
	}
	var output *Schema
	if len(fn.OutputSchema) > 0 {
		output = &Schema{Raw: fn.OutputSchema}
	}

	summary := fmt.Sprintf("Invoke %s", fn.Name)
	op := invokeOperation("invoke_"+fn.Name, summary, nil, input, output)
	op.Description = fn.Description
	spec.Paths["/api/functions/"+fn.Name+"/invoke"] = &PathItem{Post: op}
}

func invokeOperation(id, summary string, params []Parameter, input, output *Schema) *Operation {
	result := ref("Execution")
	if output != nil {
		result = &Schema{
			Type: typeObject,
			Properties: map[string]*Schema{
				"id":     {Type: typeString},
				"status": {Type: typeString},
				"output": output,
			},
			Description: "Execution record; output follows the function's output schema",
		}
	}

	return &Operation{
		Tags:        []string{"functions"},
		Summary:     summary,
		OperationID: id,
		Parameters:  params,
		RequestBody: &RequestBody{
			Content: jsonContent(&Schema{
				Type: typeObject,
				Properties: map[string]*Schema{
					"input":          input,
					"async":          {Type: typeBoolean},
					"trigger":        {Type: typeString},
					"correlation_id": {Type: typeString},
				},
			}),
		},
		Responses: map[string]Response{
			"200": {Description: "Execution finished its phase", Content: jsonContent(result)},
			"202": {Description: "Execution accepted", Content: jsonContent(ref("Accepted"))},
			"404": errorResponse("Function not found"),
			"422": errorResponse("Input does not match the input schema"),
		},
	}
}

func addExecutionEndpoints(spec *Spec) {
	spec.Tags = append(spec.Tags, Tag{
		Name:        "executions",
		Description: "Execution records, step trees, and events",
	})

	idParam := pathParam("id", "Execution id")

	spec.Paths["/api/executions"] = &PathItem{
		Get: &Operation{
			Tags:        []string{"executions"},
			Summary:     "List executions",
			OperationID: "listExecutions",
			Parameters: []Parameter{
				queryParam("function", "Function name", typeString),
				queryParam("status", "Execution status", typeString),
				queryParam("trigger", "Trigger kind", typeString),
				queryParam("correlation_id", "Correlation id", typeString),
				queryParam("since", "Created at or after (RFC 3339)", typeString),
				queryParam("until", "Created before (RFC 3339)", typeString),
				queryParam("limit", "Page size", typeInteger),
				queryParam("offset", "Page offset", typeInteger),
			},
			Responses: map[string]Response{
				"200": {
					Description: "Executions, newest first",
					Content: jsonContent(&Schema{
						Type: typeObject,
						Properties: map[string]*Schema{
							"executions": {Type: typeArray, Items: ref("Execution")},
							"count":      {Type: typeInteger},
							"total":      {Type: typeInteger},
							"limit":      {Type: typeInteger},
							"offset":     {Type: typeInteger},
						},
					}),
				},
				"400": errorResponse("Invalid filter"),
			},
		},
	}

	spec.Paths["/api/executions/{id}"] = &PathItem{
		Get: &Operation{
			Tags:        []string{"executions"},
			Summary:     "Get an execution",
			OperationID: "getExecution",
			Parameters:  []Parameter{idParam},
			Responses: map[string]Response{
				"200": {Description: "The execution", Content: jsonContent(ref("Execution"))},
				"404": errorResponse("Execution not found"),
			},
		},
	}

	spec.Paths["/api/executions/{id}/steps"] = &PathItem{
		Get: &Operation{
			Tags:        []string{"executions"},
			Summary:     "Get the step tree",
			OperationID: "getExecutionSteps",
			Parameters:  []Parameter{idParam},
			Responses: map[string]Response{
				"200": {
					Description: "Root steps with nested children",
					Content: jsonContent(&Schema{
						Type:       typeObject,
						Properties: map[string]*Schema{"steps": {Type: typeArray, Items: ref("Step")}},
					}),
				},
				"404": errorResponse("Execution not found"),
			},
		},
	}

	spec.Paths["/api/executions/{id}/events"] = &PathItem{
		Get: &Operation{
			Tags:        []string{"executions"},
			Summary:     "List recorded events",
			OperationID: "getExecutionEvents",
			Parameters:  []Parameter{idParam, queryParam("after", "Only events after this sequence", typeInteger)},
			Responses: map[string]Response{
				"200": {
					Description: "Events in sequence order",
					Content: jsonContent(&Schema{
						Type: typeObject,
						Properties: map[string]*Schema{
							"events": {Type: typeArray, Items: ref("Event")},
							"count":  {Type: typeInteger},
						},
					}),
				},
				"404": errorResponse("Execution not found"),
			},
		},
	}

	spec.Paths["/api/executions/{id}/stream"] = &PathItem{
		Get: &Operation{
			Tags:        []string{"executions"},
			Summary:     "Stream events over WebSocket",
			Description: "Replays recorded events after the given sequence, then follows live events until the phase ends",
			OperationID: "streamExecutionEvents",
			Parameters:  []Parameter{idParam, queryParam("after", "Only events after this sequence", typeInteger)},
			Responses: map[string]Response{
				"101": {Description: "Switching to WebSocket"},
				"404": errorResponse("Execution not found"),
			},
		},
	}

	spec.Paths["/api/executions/{id}/continue"] = &PathItem{
		Post: &Operation{
			Tags:        []string{"executions"},
			Summary:     "Continue an execution awaiting input",
			OperationID: "continueExecution",
			Parameters:  []Parameter{idParam},
			RequestBody: &RequestBody{
				Required: true,
				Content: jsonContent(&Schema{
					Type: typeObject,
					Properties: map[string]*Schema{
						"input": anyObject(),
						"async": {Type: typeBoolean},
					},
				}),
			},
			Responses: map[string]Response{
				"200": {Description: "Execution finished its phase", Content: jsonContent(ref("Execution"))},
				"202": {Description: "Execution accepted", Content: jsonContent(ref("Accepted"))},
				"404": errorResponse("Execution not found"),
				"409": errorResponse("Execution is not awaiting input"),
				"422": errorResponse("Input does not match the requested schema"),
			},
		},
	}
}

func addTriggerEndpoints(spec *Spec) {
	spec.Tags = append(spec.Tags,
		Tag{Name: "webhooks", Description: "Webhook endpoints that invoke functions"},
		Tag{Name: "schedules", Description: "Schedules that invoke functions"},
	)

	addCRUD(spec, "webhooks", "/api/webhooks", "Webhook")
	addCRUD(spec, "schedules", "/api/schedules", "Schedule")

	spec.Paths["/webhooks/{path}"] = &PathItem{
		Post: &Operation{
			Tags:        []string{"webhooks"},
			Summary:     "Deliver a webhook",
			Description: "Any configured method is accepted. The request is passed to the function as input.",
			OperationID: "deliverWebhook",
			Parameters:  []Parameter{pathParam("path", "Webhook path")},
			Responses: map[string]Response{
				"200": {Description: "Function output"},
				"202": {Description: "Execution accepted or awaiting input", Content: jsonContent(ref("Accepted"))},
				"204": {Description: "Condition did not match"},
				"401": errorResponse("Invalid signature"),
				"404": errorResponse("Webhook not found"),
				"405": errorResponse("Method not allowed"),
				"429": errorResponse("Rate limited"),
			},
		},
	}
}

func addCRUD(spec *Spec, tag, base, schema string) {
	idParam := pathParam("id", schema+" id")
	listKey := tag

	spec.Paths[base] = &PathItem{
		Get: &Operation{
			Tags:        []string{tag},
			Summary:     "List " + tag,
			OperationID: "list" + schema + "s",
			Parameters:  []Parameter{queryParam("function", "Only those targeting this function", typeString)},
			Responses: map[string]Response{
				"200": {
					Description: "List of " + tag,
					Content: jsonContent(&Schema{
						Type: typeObject,
						Properties: map[string]*Schema{
							listKey: {Type: typeArray, Items: ref(schema)},
							"count": {Type: typeInteger},
						},
					}),
				},
			},
		},
		Post: &Operation{
			Tags:        []string{tag},
			Summary:     "Create a " + schema,
			OperationID: "create" + schema,
			RequestBody: &RequestBody{Required: true, Content: jsonContent(ref(schema))},
			Responses: map[string]Response{
				"201": {Description: schema + " created", Content: jsonContent(ref(schema))},
				"409": errorResponse(schema + " already exists"),
				"422": errorResponse("Invalid definition or unknown function"),
			},
		},
	}

	spec.Paths[base+"/{id}"] = &PathItem{
		Get: &Operation{
			Tags:        []string{tag},
			Summary:     "Get a " + schema,
			OperationID: "get" + schema,
			Parameters:  []Parameter{idParam},
			Responses: map[string]Response{
				"200": {Description: "The " + schema, Content: jsonContent(ref(schema))},
				"404": errorResponse(schema + " not found"),
			},
		},
		Put: &Operation{
			Tags:        []string{tag},
			Summary:     "Update a " + schema,
			OperationID: "update" + schema,
			Parameters:  []Parameter{idParam},
			RequestBody: &RequestBody{Required: true, Content: jsonContent(ref(schema))},
			Responses: map[string]Response{
				"200": {Description: schema + " updated", Content: jsonContent(ref(schema))},
				"404": errorResponse(schema + " not found"),
				"422": errorResponse("Invalid definition or unknown function"),
			},
		},
		Delete: &Operation{
			Tags:        []string{tag},
			Summary:     "Delete a " + schema,
			OperationID: "delete" + schema,
			Parameters:  []Parameter{idParam},
			Responses: map[string]Response{
				"204": {Description: schema + " deleted"},
				"404": errorResponse(schema + " not found"),
			},
		},
	}
}

func (s *Spec) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
