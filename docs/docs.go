// Package docs registers the OpenAPI document served by gin-swagger at
// /swagger/*. Regenerate with `swag init -g cmd/negotiator/main.go` after
// changing handler annotations.
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
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "paths": {
        "/chats": {
            "get": {
                "tags": ["Chats"], "summary": "List chats", "operationId": "listChats",
                "parameters": [
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}, "304": {"description": "Not Modified"}}
            },
            "post": {
                "tags": ["Chats"], "summary": "Create a chat", "operationId": "createChat",
                "parameters": [{"name": "body", "in": "body", "schema": {"$ref": "#/definitions/CreateChatRequest"}}],
                "responses": {"201": {"description": "Created"}, "400": {"description": "Bad request"}, "403": {"description": "Quota exceeded"}}
            }
        },
        "/chats/{id}": {
            "get": {
                "tags": ["Chats"], "summary": "Get a chat", "operationId": "getChat",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}
            },
            "patch": {
                "tags": ["Chats"], "summary": "Rename a chat", "operationId": "updateChatTitle",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "schema": {"$ref": "#/definitions/UpdateChatTitleRequest"}}
                ],
                "responses": {"204": {"description": "No Content"}, "404": {"description": "Not found"}}
            },
            "delete": {
                "tags": ["Chats"], "summary": "Delete a chat", "operationId": "deleteChat",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"204": {"description": "No Content"}, "404": {"description": "Not found"}}
            }
        },
        "/chats/{id}/messages": {
            "get": {
                "tags": ["Messages"], "summary": "List messages", "operationId": "listMessages",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "304": {"description": "Not Modified"}}
            },
            "post": {
                "tags": ["Messages"], "summary": "Submit a turn (audio or text)", "operationId": "postMessage",
                "consumes": ["application/json", "multipart/form-data"],
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "Idempotency-Key", "in": "header"}
                ],
                "responses": {
                    "201": {"description": "Assistant reply"},
                    "204": {"description": "Prompt already answered"},
                    "409": {"description": "Wrong input mode or concurrent turn"},
                    "502": {"description": "Assistant unavailable"}
                }
            }
        },
        "/chats/{id}/messages/{messageId}/prompts": {
            "post": {
                "tags": ["Messages"], "summary": "Select a suggested prompt", "operationId": "selectPrompt",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "messageId", "in": "path", "required": true}
                ],
                "responses": {"201": {"description": "Assistant reply"}, "204": {"description": "Already answered"}}
            }
        },
        "/chats/{id}/invitations": {
            "post": {
                "tags": ["Invitations"], "summary": "Invite the counterparty", "operationId": "invite",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "schema": {"$ref": "#/definitions/InviteRequest"}}
                ],
                "responses": {"201": {"description": "Invitation recorded"}, "409": {"description": "No contract yet"}}
            }
        },
        "/internal/users": {
            "post": {
                "tags": ["Internal"], "summary": "Register a user", "operationId": "registerUser",
                "parameters": [{"type": "string", "name": "X-Internal-Token", "in": "header", "required": true}],
                "responses": {"201": {"description": "Created"}, "401": {"description": "Missing or wrong token"}}
            }
        }
    },
    "definitions": {
        "CreateChatRequest": {
            "type": "object",
            "properties": {"title": {"type": "string"}, "context": {"type": "string", "enum": ["offeror", "offeree"]}}
        },
        "UpdateChatTitleRequest": {
            "type": "object", "required": ["title"],
            "properties": {"title": {"type": "string", "maxLength": 255}}
        },
        "InviteRequest": {
            "type": "object", "required": ["email"],
            "properties": {"email": {"type": "string", "format": "email"}}
        },
        "ErrorResponse": {
            "type": "object",
            "properties": {"request_id": {"type": "string"}, "code": {"type": "string"}, "message": {"type": "string"}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Negotiator API",
	Description:      "Voice-first contract negotiation between an offeror and an offeree.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
