// Package docs registers the OpenAPI description served under /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "ApiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-API-Key"}
    },
    "paths": {
        "/health": {
            "get": {
                "tags": ["Health"],
                "summary": "Health check",
                "description": "Service health including the supply link and, when enabled, the database",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "Service is healthy or degraded", "schema": {"$ref": "#/definitions/handler.HealthResponse"}},
                    "503": {"description": "Service is unhealthy", "schema": {"$ref": "#/definitions/handler.HealthResponse"}}
                }
            }
        },
        "/ready": {
            "get": {
                "tags": ["Health"],
                "summary": "Readiness check",
                "produces": ["application/json"],
                "responses": {"200": {"description": "Service is ready"}, "503": {"description": "Service is not ready"}}
            }
        },
        "/live": {
            "get": {
                "tags": ["Health"],
                "summary": "Liveness check",
                "produces": ["application/json"],
                "responses": {"200": {"description": "Service is alive"}}
            }
        },
        "/api/v1/psu": {
            "get": {
                "tags": ["PSU"],
                "summary": "Get supply state",
                "description": "Connection state, identity, last reading and status byte",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/api/v1/psu/voltage": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "tags": ["PSU"],
                "summary": "Set output voltage",
                "description": "Queue VSET1 with the given value. It is sent between polling exchanges.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{
                    "description": "Voltage in volts",
                    "name": "request",
                    "in": "body",
                    "required": true,
                    "schema": {"$ref": "#/definitions/handler.SetVoltageRequest"}
                }],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/utils.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/utils.APIResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/api/v1/psu/reconnect": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "tags": ["PSU"],
                "summary": "Reconnect",
                "produces": ["application/json"],
                "responses": {"202": {"description": "Accepted", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/api/v1/psu/readings": {
            "get": {
                "tags": ["PSU"],
                "summary": "Reading history",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "Port name", "name": "port", "in": "query"},
                    {"type": "string", "description": "RFC3339 lower bound", "name": "since", "in": "query"},
                    {"type": "string", "description": "RFC3339 upper bound", "name": "until", "in": "query"},
                    {"type": "integer", "default": 100, "description": "Maximum rows", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}},
                    "404": {"description": "History disabled", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/api/v1/discovery/scan": {
            "get": {
                "tags": ["Discovery"],
                "summary": "Scan for devices",
                "description": "List serial ports and USB devices, flagging the ones that look like a supported supply",
                "produces": ["application/json"],
                "parameters": [
                    {"enum": ["all", "serial", "usb"], "type": "string", "default": "all", "description": "Scan type", "name": "type", "in": "query"},
                    {"type": "string", "default": "10s", "description": "Scan timeout", "name": "timeout", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Device scan completed", "schema": {"$ref": "#/definitions/utils.APIResponse"}},
                    "400": {"description": "Invalid scan request", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/api/v1/discovery/serial": {
            "get": {
                "tags": ["Discovery"],
                "summary": "Scan serial ports",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/api/v1/discovery/usb": {
            "get": {
                "tags": ["Discovery"],
                "summary": "Scan USB bus",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}},
                    "400": {"description": "USB scanning unavailable", "schema": {"$ref": "#/definitions/utils.APIResponse"}}
                }
            }
        },
        "/api/v1/discovery/supported": {
            "get": {
                "tags": ["Discovery"],
                "summary": "Get supported devices",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/api/v1/ws/stats": {
            "get": {
                "tags": ["WebSocket"],
                "summary": "WebSocket connections",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/utils.APIResponse"}}}
            }
        },
        "/ws/events": {
            "get": {
                "tags": ["WebSocket"],
                "summary": "Event stream",
                "description": "WebSocket stream of supply events. Clients may send subscribe, unsubscribe, ping, snapshot, set_voltage and reconnect messages.",
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        }
    },
    "definitions": {
        "handler.CheckResult": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "message": {"type": "string"},
                "data": {"type": "object", "additionalProperties": true}
            }
        },
        "handler.HealthResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "timestamp": {"type": "string"},
                "service": {"type": "string"},
                "version": {"type": "string"},
                "uptime": {"type": "string"},
                "checks": {"type": "object", "additionalProperties": {"$ref": "#/definitions/handler.CheckResult"}}
            }
        },
        "handler.SetVoltageRequest": {
            "type": "object",
            "required": ["voltage"],
            "properties": {"voltage": {"type": "number", "example": 12.5}}
        },
        "utils.APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "details": {"type": "string"}
            }
        },
        "utils.APIResponse": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "message": {"type": "string"},
                "data": {},
                "error": {"$ref": "#/definitions/utils.APIError"},
                "timestamp": {"type": "string"},
                "request_id": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "PSU Service API",
	Description:      "Monitoring and control of a KORAD KA3005P bench power supply over USB serial.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
