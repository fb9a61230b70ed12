package consensus

//
//          +----------------------------------------------------------+
//          v                                                          |(block persisted)
//    +-----------+  primary: TimePerBlock   +----------------+         |
//    | NewHeight +------------------------->| PrepareRequest |         |
//    +-----+-----+                          +-------+--------+         |
//          |                                        | all txs held    |
//          |(timeout)                               v                 |
//          |                               +-----------------+        |
//          |    +--------------------------+ PrepareResponse |        |
//          |    |(timeout / bad proposal)  +--------+--------+        |
//          v    v                                   | M preparations  |
//    +------------+                                 v                 |
//    | ChangeView |                           +-----------+           |
//    +-----+------+                           |  Commit   |           |
//          |(M votes for view v+1)            +-----+-----+           |
//          v                                        | M commits       |
//    view = v+1, primary = (h - v) mod N            v                 |
//                                           +--------------+          |
//                                           | BlockFinalized +--------+
//                                           +--------------+
//
// A node that committed never changes view for that height. When it times
// out it broadcasts a RecoveryMessage so lagging validators can finish.

//ConsensusState - dBFT状态机，所有状态变更都在receiveRoutine中串行执行
//	- RoundContext - 当前高度的状态，包括提案、各类payload的slot、期望视图
//	- Ledger - 账本，负责持久化区块并通过OnBlockPersisted回调开启下一高度
//	- TxResolver/TxFetcher - 交易池查询与缺失交易的拉取
//	- Broadcaster - 由consensus reactor实现，负责payload的广播与定向发送
//	- recoveryLog - 发送commit后保存的轮次状态，重启后恢复
