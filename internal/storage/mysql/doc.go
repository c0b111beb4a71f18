// Package mysql persists the hire journal in MySQL. Schema changes ship as
// embedded migrations under deploy/migrations and are applied on Open.
package mysql
