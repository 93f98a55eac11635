// Package docs provides generated OpenAPI documentation.
//
// Millrace API
//
//	@title			Millrace API
//	@version		1.0
//	@description	Control plane API for the millrace document processing pipeline: stage contracts, resume planning, circuit breakers, scaling, and cost tracking.
//	@termsOfService	http://swagger.io/terms/
//
//	@contact.name	API Support
//	@contact.url	https://github.com/millrace/millrace
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/millrace/serve.go -o ./swagger --parseDependency --parseInternal
