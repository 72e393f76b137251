// Package mysql persists query runs and shares connection and migration
// helpers with the other MySQL backed stores.
package mysql
