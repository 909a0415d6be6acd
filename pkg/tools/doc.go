// Package tools provides the concrete tools agents can expose to the model.
//
// Every constructor returns an agent.Tool. Handlers return structured
// documents and plain errors; the conversation loop turns errors into tool
// results the model can see.
//
//	catalog := tools.NewCatalog(tools.Config{Fetch: tools.FetchConfig{Timeout: 15 * time.Second}})
//	defer catalog.Close()
//	list, err := catalog.Tools("web_fetch", "json_query")
package tools
