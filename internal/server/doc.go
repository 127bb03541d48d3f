// Copyright 2026 TraceForge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package server provides HTTP server lifecycle management: non-blocking
start, graceful shutdown, and OS signal handling.

# Overview

Manager wraps net/http.Server, unifying listen, serve, shutdown, and
error propagation. It listens for SIGINT/SIGTERM and drains in-flight
requests (including an in-progress SSE stream) within a configured
deadline before exiting.

# Core types

  - Manager: holds the http.Server, net.Listener, and an async error
    channel; exposes Start/Shutdown/WaitForShutdown.
  - Config: listen address, read/write/idle timeouts, max header size,
    and graceful shutdown timeout.

# Capabilities

  - Non-blocking start: Start runs the server in a background goroutine.
  - Graceful shutdown: Shutdown drains requests within ShutdownTimeout.
  - Signal handling: WaitForShutdown triggers shutdown on SIGINT/SIGTERM.
  - Error propagation: Errors() surfaces async server failures.
  - State queries: IsRunning/Addr report current status.
*/
package server
