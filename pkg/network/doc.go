// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package network runs the virtual switches VMs attach to.
//
// Every network id gets one vde_switch process listening on a control
// socket in a private directory. VM start scripts find the switch through
// the QEMU_VDE_SOCKET_<id> variable returned by SwitchManager.Env.
//
// # Manager Pattern
//
// SwitchManager follows the manager pattern:
//   - Constructor injection of dependencies (execcontext.Context)
//   - Create/Get/Delete methods that accept context.Context
//   - Idempotent Create and Delete operations
//   - Error-based existence checking (Get returns ErrSwitchNotFound)
//
// # Example Usage
//
//	mgr := network.NewSwitchManager(execcontext.New(nil, nil))
//	for _, id := range network.ParseIDs(os.Getenv("VLANS")) {
//	    if _, err := mgr.Create(ctx, id); err != nil {
//	        // err is an *errdefs.SetupError
//	    }
//	}
//	defer mgr.DeleteAll(ctx)
//
//	vmCtx := execcontext.WithEnvs(execCtx, mgr.Env())
package network
