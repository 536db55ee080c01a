// Package mcptools exposes party operations as MCP tools plus a readable
// party://current resource that follows the joined party.
package mcptools
