// Package vectorapi holds the wire contract of the vectordb gRPC service:
// method names, structpb payload codecs and a typed client.
package vectorapi

const (
	ServiceName = "vectordb.v1.VectorDB"

	MethodCreateIndex   = "CreateIndex"
	MethodGetIndex      = "GetIndex"
	MethodListIndexes   = "ListIndexes"
	MethodDeleteIndex   = "DeleteIndex"
	MethodCreateEntry   = "CreateEntry"
	MethodSearchEntries = "SearchEntries"
)

const (
	FullMethodCreateIndex   = "/" + ServiceName + "/" + MethodCreateIndex
	FullMethodGetIndex      = "/" + ServiceName + "/" + MethodGetIndex
	FullMethodListIndexes   = "/" + ServiceName + "/" + MethodListIndexes
	FullMethodDeleteIndex   = "/" + ServiceName + "/" + MethodDeleteIndex
	FullMethodCreateEntry   = "/" + ServiceName + "/" + MethodCreateEntry
	FullMethodSearchEntries = "/" + ServiceName + "/" + MethodSearchEntries
)
