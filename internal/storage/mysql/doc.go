// Package mysql persists audit records and registry entries in MySQL.
// Schema changes ship as embedded SQL migrations that are applied once per
// version when a connection pool is opened.
package mysql
