// Package module 定义模块描述符、注册表记录以及引擎各层共享的错误类型。
//
// 模块 id 固定为 name@version。Registry 以 id 为键保存 Ref，Ref 一旦创建就不会被删除；
// CacheManager 使用独立的 specifier 键与 LRU 淘汰，两层缓存互不共享身份，这一重复是
// 有意保留的行为边界。
package module
