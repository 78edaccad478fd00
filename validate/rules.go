package validate

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"
)

const (
	tagDatabase   = "database"
	tagCollection = "collection"
	tagMongoURI   = "mongodb_uri"

	// maxDatabaseNameLen is the server limit on database name length.
	maxDatabaseNameLen = 63
)

// invalidDatabaseChars are rejected in database names on every platform.
const invalidDatabaseChars = "/\\. \"$*<>:|?\x00"

func registerRules(v *validator.Validate) {
	_ = v.RegisterValidation(tagDatabase, isDatabaseName)
	_ = v.RegisterValidation(tagCollection, isCollectionName)
	_ = v.RegisterValidation(tagMongoURI, isMongoURI)
}

func isDatabaseName(fl validator.FieldLevel) bool {
	name := fl.Field().String()

	return name != "" &&
		len(name) <= maxDatabaseNameLen &&
		!strings.ContainsAny(name, invalidDatabaseChars)
}

// isCollectionName accepts names that can be written by a client: no "$",
// no NUL and not in the reserved "system." space.
func isCollectionName(fl validator.FieldLevel) bool {
	name := fl.Field().String()

	return name != "" &&
		!strings.ContainsAny(name, "$\x00") &&
		!strings.HasPrefix(name, "system.")
}

// isMongoURI parses standard connection strings. SRV strings are only checked
// for a host since parsing them resolves DNS records.
func isMongoURI(fl validator.FieldLevel) bool {
	uri := fl.Field().String()

	if host, ok := strings.CutPrefix(uri, connstring.SchemeMongoDBSRV+"://"); ok {
		return host != "" && !strings.HasPrefix(host, "/")
	}

	_, err := connstring.Parse(uri)

	return err == nil
}
